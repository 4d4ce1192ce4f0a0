package fixture

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/config"
	"github.com/effective-security/p11fixture/p11"
	"github.com/effective-security/p11fixture/provision"
	"github.com/effective-security/xlog"
)

// Option customizes Open
type Option func(*options)

type options struct {
	provisioner provision.Provisioner
	runner      provision.Runner
}

// WithProvisioner uses the provisioner instead of the configured one
func WithProvisioner(p provision.Provisioner) Option {
	return func(o *options) {
		o.provisioner = p
	}
}

// WithRunner runs the configured provisioning commands with r
func WithRunner(r provision.Runner) Option {
	return func(o *options) {
		o.runner = r
	}
}

// Open loads the configured module, selects the token slot,
// and clears the token. The returned fixture is in Loaded state,
// and the caller must Close it.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*TokenFixture, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m, err := p11.Load(cfg.Module.Path)
	if err != nil {
		return nil, errors.WithMessage(err, "could not load module")
	}

	f, err := open(ctx, m, cfg, &o)
	if err != nil {
		if uerr := p11.Unload(m); uerr != nil {
			logger.KV(xlog.WARNING, "reason", "unload", "err", uerr.Error())
		}
		return nil, err
	}
	return f, nil
}

func open(ctx context.Context, m p11.Module, cfg *config.Config, o *options) (*TokenFixture, error) {
	slot, err := p11.FindSlot(m, p11.SlotFilter{
		TokenLabel:  cfg.Module.TokenLabel,
		TokenSerial: cfg.Module.TokenSerial,
		SlotID:      cfg.Module.SlotID,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not find token")
	}

	logger.KV(xlog.INFO,
		"module", cfg.Module.Path,
		"slot", slot.SlotID,
		"label", slot.Label,
		"serial", slot.Serial,
		"profile", cfg.Provisioning.Profile)

	prov := o.provisioner
	if prov == nil {
		prov, err = newProvisioner(m, cfg, slot, o.runner)
		if err != nil {
			return nil, err
		}
	}

	f := New(m, slot.SlotID, prov, cfg)
	if err = f.ClearToken(ctx); err != nil {
		return nil, errors.WithMessage(err, "could not clear token")
	}
	return f, nil
}

func newProvisioner(m p11.Module, cfg *config.Config, slot *p11.SlotTokenInfo, runner provision.Runner) (provision.Provisioner, error) {
	if cfg.Provisioning.Profile == provision.ProfileModule {
		p, ok := m.(provision.Provisioner)
		if !ok {
			return nil, errors.Errorf("module does not support provisioning: %s", cfg.Module.Path)
		}
		return p, nil
	}

	erase, init, err := cfg.ProvisioningCommands(provision.Params{
		Label:   slot.Label,
		Serial:  slot.Serial,
		SlotID:  slot.SlotID,
		SOPin:   cfg.SOPin,
		UserPin: cfg.UserPin,
	})
	if err != nil {
		return nil, err
	}
	tool := provision.NewTool(erase, init)
	if runner != nil {
		tool.WithRunner(runner)
	}
	return tool, nil
}
