package provision

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Profile names
const (
	// ProfilePKCS15 uses OpenSC pkcs15-init
	ProfilePKCS15 = "pkcs15-init"
	// ProfileSoftHSM uses softhsm2-util to re-initialize an existing token in place
	ProfileSoftHSM = "softhsm2-util"
	// ProfileModule delegates provisioning to the loaded module,
	// when it implements Provisioner
	ProfileModule = "module"
	// ProfileCustom uses the configured command lines
	ProfileCustom = "custom"
)

// Profiles lists supported profile names
var Profiles = []string{
	ProfilePKCS15,
	ProfileSoftHSM,
	ProfileModule,
	ProfileCustom,
}

// Params are substituted into command line templates:
// {label}, {serial}, {slot}, {so_pin}, {user_pin}
type Params struct {
	Label   string
	Serial  string
	SlotID  uint
	SOPin   string
	UserPin string
}

// Commands returns erase and init command line templates for the profile
func Commands(profile string) (erase, init []string, err error) {
	switch profile {
	case "", ProfilePKCS15:
		return []string{"pkcs15-init", "-ET"},
			[]string{"pkcs15-init", "-CT", "--no-so-pin"},
			nil
	case ProfileSoftHSM:
		// the token keeps its slot when re-initialized by label
		return nil,
			[]string{"softhsm2-util", "--init-token", "--token", "{label}", "--label", "{label}", "--so-pin", "{so_pin}", "--pin", "{so_pin}"},
			nil
	case ProfileModule, ProfileCustom:
		return nil, nil, nil
	}
	return nil, nil, errors.Errorf("unsupported provisioning profile: %q", profile)
}

// Expand substitutes params into command line template
func Expand(argv []string, p Params) []string {
	if len(argv) == 0 {
		return nil
	}
	r := strings.NewReplacer(
		"{label}", p.Label,
		"{serial}", p.Serial,
		"{slot}", strconv.FormatUint(uint64(p.SlotID), 10),
		"{so_pin}", p.SOPin,
		"{user_pin}", p.UserPin,
	)
	list := make([]string, len(argv))
	for i, a := range argv {
		list[i] = r.Replace(a)
	}
	return list
}
