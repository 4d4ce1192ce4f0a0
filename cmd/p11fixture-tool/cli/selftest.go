package cli

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/fixture"
	"github.com/effective-security/p11fixture/p11"
	"github.com/effective-security/p11fixture/tokenerr"
	"github.com/effective-security/p11fixture/x/hexutil"
	"github.com/effective-security/xlog"
)

// SelftestStep is the result of a single step
type SelftestStep struct {
	Test      string `json:"test"`
	Name      string `json:"name"`
	Mechanism string `json:"mechanism,omitempty"`
	Passed    bool   `json:"passed"`
	Digest    string `json:"digest,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SelftestReport is the result of selftest command
type SelftestReport struct {
	Slot       uint           `json:"slot"`
	Mechanisms []string       `json:"mechanisms"`
	Passed     bool           `json:"passed"`
	Steps      []SelftestStep `json:"steps"`
}

// SelftestCmd runs digest tests without login and with user login,
// clearing the token before and after each test
type SelftestCmd struct {
	Mech []string `help:"digest mechanisms to test, all supported by the token if not specified"`
	File string   `help:"long message file, if different from the configured file" type:"path"`
}

// Run the command
func (a *SelftestCmd) Run(ctx *Cli) error {
	f, err := ctx.Fixture()
	if err != nil {
		return err
	}

	mechs, err := a.mechanisms(f)
	if err != nil {
		return err
	}

	st := &selftest{
		f:      f,
		errOut: ctx.ErrWriter(),
		file:   a.File,
		report: SelftestReport{
			Slot:       f.SlotID(),
			Mechanisms: mechs,
			Passed:     true,
		},
	}

	for _, test := range []struct {
		name  string
		login bool
	}{
		{name: "digest_without_login"},
		{name: "digest_with_user_login", login: true},
	} {
		st.test = test.name
		st.run(test.login, mechs)

		// teardown failure leaves the token in unknown state
		if err = f.Teardown(ctx.Context()); err != nil {
			return err
		}
	}

	if err = ctx.WriteJSON(st.report); err != nil {
		return err
	}
	if !st.report.Passed {
		return errors.New("selftest failed")
	}
	return nil
}

// mechanisms returns requested mechanisms,
// or digest mechanisms supported by the token
func (a *SelftestCmd) mechanisms(f *fixture.TokenFixture) ([]string, error) {
	if len(a.Mech) > 0 {
		list := make([]string, 0, len(a.Mech))
		for _, name := range a.Mech {
			mech, err := p11.MechanismByName(name)
			if err != nil {
				return nil, err
			}
			list = append(list, p11.MechanismName(mech[0].Mechanism))
		}
		return list, nil
	}

	supported, err := f.Module().GetMechanismList(f.SlotID())
	if err != nil {
		return nil, errors.WithMessage(err, "GetMechanismList")
	}
	var list []string
	for _, m := range supported {
		if _, ok := p11.DigestSizes[m.Mechanism]; ok {
			list = append(list, p11.MechanismName(m.Mechanism))
		}
	}
	if len(list) == 0 {
		return nil, errors.New("token does not support digest mechanisms")
	}
	sort.Strings(list)
	return list, nil
}

type selftest struct {
	f      *fixture.TokenFixture
	errOut io.Writer
	file   string
	test   string
	report SelftestReport
}

func (s *selftest) run(login bool, mechs []string) {
	if !s.step("open_session", "", nil, s.f.OpenSession()) {
		return
	}
	if login {
		if !s.step("init_pin", "", nil, s.f.InitTokenWithDefaultPIN()) {
			return
		}
		if !s.step("login_user", "", nil, s.f.LoginAsDefaultUser()) {
			return
		}
	}

	for _, name := range mechs {
		mech, _ := p11.MechanismByName(name)

		digest, err := s.f.DigestShortMessage(mech)
		if err == nil {
			err = s.verify(mech[0].Mechanism, digest, "")
		}
		s.step("digest_short", name, digest, err)

		if !login {
			continue
		}
		digest, err = s.f.DigestLongMessage(mech, s.file)
		if err == nil {
			err = s.verify(mech[0].Mechanism, digest, s.longMessageFile())
		}
		s.step("digest_long", name, digest, err)
	}
}

func (s *selftest) longMessageFile() string {
	if s.file != "" {
		return s.file
	}
	return s.f.Config().Digest.LongMessageFile
}

// verify compares the token digest with software digest
// of the short message, or the file if specified
func (s *selftest) verify(mech uint, digest []byte, file string) error {
	var (
		expected []byte
		err      error
	)
	if file != "" {
		expected, err = softwareDigestFile(mech, file)
	} else {
		expected, err = softwareDigest(mech, bytes.NewReader([]byte(s.f.Config().Digest.ShortMessage)))
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, digest) {
		return tokenerr.Markf(tokenerr.DigestError, nil, "digest mismatch: expected %s", hexutil.EncodeUpper(expected))
	}
	return nil
}

func (s *selftest) step(name, mech string, digest []byte, err error) bool {
	res := SelftestStep{
		Test:      s.test,
		Name:      name,
		Mechanism: mech,
		Passed:    err == nil,
	}
	if len(digest) > 0 {
		res.Digest = hexutil.EncodeUpper(digest)
	}
	if err != nil {
		res.Kind = tokenerr.KindName(err)
		res.Error = err.Error()
		s.report.Passed = false
		_, _ = fmt.Fprintf(s.errOut, "FAILED: %s/%s %s: %s\n", s.test, name, mech, res.Error)
		logger.KV(xlog.ERROR, "test", s.test, "step", name, "mech", mech, "err", err.Error())
	}
	s.report.Steps = append(s.report.Steps, res)
	return res.Passed
}
