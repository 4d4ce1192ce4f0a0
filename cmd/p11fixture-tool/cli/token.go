package cli

import (
	"github.com/effective-security/p11fixture/fixture"
	"github.com/effective-security/p11fixture/p11"
)

// TokenStatus is the result of token commands
type TokenStatus struct {
	Slot    uint   `json:"slot"`
	Label   string `json:"label,omitempty"`
	Serial  string `json:"serial,omitempty"`
	State   string `json:"state"`
	Session uint   `json:"session,omitempty"`
	// SessionState is CKS_ value of the open session
	SessionState *uint `json:"session_state,omitempty"`
	// UserPINInitialized is reported by the token
	UserPINInitialized bool `json:"user_pin_initialized"`
}

// TokensCmd lists the slots with present tokens
type TokensCmd struct{}

// Run the command
func (a *TokensCmd) Run(ctx *Cli) error {
	f, err := ctx.Fixture()
	if err != nil {
		return err
	}
	list, err := p11.TokensInfo(f.Module())
	if err != nil {
		return err
	}
	return ctx.WriteJSON(list)
}

// ClearCmd clears the token with the provisioning tool
type ClearCmd struct{}

// Run the command
func (a *ClearCmd) Run(ctx *Cli) error {
	// the token is cleared when the fixture is set up
	f, err := ctx.Fixture()
	if err != nil {
		return err
	}
	return writeStatus(ctx, f)
}

// InitPinCmd sets the default user PIN as security officer
type InitPinCmd struct{}

// Run the command
func (a *InitPinCmd) Run(ctx *Cli) error {
	f, err := ctx.Fixture()
	if err != nil {
		return err
	}
	if err = f.OpenSession(); err != nil {
		return err
	}
	if err = f.InitTokenWithDefaultPIN(); err != nil {
		return err
	}
	return writeStatus(ctx, f)
}

// LoginCmd sets the default user PIN and logs in as user
type LoginCmd struct {
	Pin string `help:"user PIN to log in with, if different from the configured PIN"`
}

// Run the command
func (a *LoginCmd) Run(ctx *Cli) error {
	f, err := ctx.Fixture()
	if err != nil {
		return err
	}
	if err = f.OpenSession(); err != nil {
		return err
	}
	if err = f.InitTokenWithDefaultPIN(); err != nil {
		return err
	}
	if a.Pin != "" {
		err = f.LoginAsUser(a.Pin)
	} else {
		err = f.LoginAsDefaultUser()
	}
	if err != nil {
		return err
	}
	return writeStatus(ctx, f)
}

func writeStatus(ctx *Cli, f *fixture.TokenFixture) error {
	res := TokenStatus{
		Slot:  f.SlotID(),
		State: f.State().String(),
	}

	slotID := f.SlotID()
	ti, err := p11.FindSlot(f.Module(), p11.SlotFilter{SlotID: &slotID})
	if err != nil {
		return err
	}
	res.Label = ti.Label
	res.Serial = ti.Serial
	res.UserPINInitialized = ti.UserPINInitialized()

	if f.State().HasSession() {
		res.Session = uint(f.Session())
		si, err := f.SessionInfo()
		if err != nil {
			return err
		}
		res.SessionState = &si.State
	}
	return ctx.WriteJSON(res)
}
