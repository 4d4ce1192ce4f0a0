package fixture

import (
	"context"
	"strconv"
	"time"

	"github.com/effective-security/p11fixture/config"
	"github.com/effective-security/p11fixture/metricskey"
	"github.com/effective-security/p11fixture/p11"
	"github.com/effective-security/p11fixture/provision"
	"github.com/effective-security/p11fixture/tokenerr"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11fixture", "fixture")

// TokenFixture manages the authentication state of a single token
// across a sequence of test cases
type TokenFixture struct {
	module      p11.Module
	slotID      uint
	session     pkcs11.SessionHandle
	state       State
	provisioner provision.Provisioner
	cfg         *config.Config
	slotTag     string
}

// New returns a fixture in Loaded state for initialized module.
// The fixture takes ownership of the module and releases it in Close.
// The fixture keeps a copy of cfg with defaults applied;
// if cfg is nil, the default configuration is used.
func New(module p11.Module, slotID uint, provisioner provision.Provisioner, cfg *config.Config) *TokenFixture {
	if cfg == nil {
		cfg = config.Default()
	} else {
		cfg = cfg.Clone()
		cfg.SetDefaults()
	}
	return &TokenFixture{
		module:      module,
		slotID:      slotID,
		state:       Loaded,
		provisioner: provisioner,
		cfg:         cfg,
		slotTag:     strconv.FormatUint(uint64(slotID), 10),
	}
}

// State returns the current state
func (f *TokenFixture) State() State {
	return f.state
}

// Session returns the tracked session handle, zero if none
func (f *TokenFixture) Session() pkcs11.SessionHandle {
	return f.session
}

// SlotID returns the token slot
func (f *TokenFixture) SlotID() uint {
	return f.slotID
}

// Module returns the loaded module, nil after Close
func (f *TokenFixture) Module() p11.Module {
	return f.module
}

// Config returns the fixture configuration
func (f *TokenFixture) Config() *config.Config {
	return f.cfg
}

// ClearToken erases the token and initializes it without SO PIN,
// using the external provisioning tool. It is not retried on failure.
func (f *TokenFixture) ClearToken(ctx context.Context) error {
	defer metricskey.PerfProvisioning.MeasureSince(time.Now(), f.cfg.Provisioning.Profile)

	if err := f.ensureLoaded(); err != nil {
		return err
	}

	logger.KV(xlog.INFO, "slot", f.slotID, "status", "clearing_token")
	if err := provision.Clear(ctx, f.provisioner); err != nil {
		return f.failed("clear_token", err)
	}
	return nil
}

// OpenSession opens a read-write session and tracks its handle
func (f *TokenFixture) OpenSession() error {
	if err := f.ensureLoaded(); err != nil {
		return err
	}
	if f.state.HasSession() {
		return f.failed("open_session",
			tokenerr.Markf(tokenerr.SessionError, nil, "session is already open: %d", f.session))
	}

	sh, err := f.module.OpenSession(f.slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return f.failed("open_session",
			tokenerr.Markf(tokenerr.SessionError, err, "could not open session on slot %d", f.slotID))
	}

	f.session = sh
	f.transition(SessionOpen)
	logger.KV(xlog.DEBUG, "slot", f.slotID, "session", sh, "status", "session_created")
	return nil
}

// InitTokenWithDefaultPIN logs in as security officer with the configured
// SO PIN, sets the configured user PIN, and logs the security officer out.
// Any failure stops the remaining steps and nothing is rolled back:
// the token must be cleared before retrying.
func (f *TokenFixture) InitTokenWithDefaultPIN() error {
	defer metricskey.PerfFixtureOperation.MeasureSince(time.Now(), f.slotTag, "init_pin")

	if err := f.LoginAsSO(f.cfg.SOPin); err != nil {
		return err
	}

	logger.KV(xlog.DEBUG, "slot", f.slotID, "session", f.session, "status", "init_user_pin")
	if err := f.module.InitPIN(f.session, f.cfg.UserPin); err != nil {
		return f.failed("init_pin",
			tokenerr.Mark(tokenerr.PinInitError, err, "could not init user PIN"))
	}

	if err := f.module.Logout(f.session); err != nil {
		return f.failed("init_pin",
			tokenerr.Mark(tokenerr.AuthError, err, "could not log out SO user"))
	}
	f.transition(SessionOpen)
	return nil
}

// LoginAsSO authenticates the session as security officer
func (f *TokenFixture) LoginAsSO(pin string) error {
	if err := f.requireSession(); err != nil {
		return err
	}

	logger.KV(xlog.DEBUG, "slot", f.slotID, "session", f.session, "status", "login_so")
	if err := f.module.Login(f.session, pkcs11.CKU_SO, pin); err != nil {
		return f.failed("login_so",
			tokenerr.Mark(tokenerr.AuthError, err, "could not log in to token as SO user"))
	}
	f.transition(SOAuthenticated)
	return nil
}

// LoginAsUser authenticates the session as the regular user
func (f *TokenFixture) LoginAsUser(pin string) error {
	defer metricskey.PerfFixtureOperation.MeasureSince(time.Now(), f.slotTag, "login_user")

	if err := f.requireSession(); err != nil {
		return err
	}

	if err := f.module.Login(f.session, pkcs11.CKU_USER, pin); err != nil {
		return f.failed("login_user",
			tokenerr.Mark(tokenerr.AuthError, err, "could not login to token with user PIN"))
	}
	f.transition(UserAuthenticated)
	return nil
}

// LoginAsDefaultUser authenticates the session with the configured user PIN
func (f *TokenFixture) LoginAsDefaultUser() error {
	return f.LoginAsUser(f.cfg.UserPin)
}

// Logout logs out the session
func (f *TokenFixture) Logout() error {
	if err := f.requireSession(); err != nil {
		return err
	}
	if err := f.module.Logout(f.session); err != nil {
		return f.failed("logout",
			tokenerr.Mark(tokenerr.AuthError, err, "could not log out"))
	}
	f.transition(SessionOpen)
	return nil
}

// SessionInfo returns the session state reported by the token
func (f *TokenFixture) SessionInfo() (pkcs11.SessionInfo, error) {
	if err := f.requireSession(); err != nil {
		return pkcs11.SessionInfo{}, err
	}
	si, err := f.module.GetSessionInfo(f.session)
	if err != nil {
		return si, tokenerr.Mark(tokenerr.SessionError, err, "could not get session info")
	}
	return si, nil
}

// Teardown logs out and closes all sessions on the slot, then clears the
// token for the next test. Logout is attempted even when no session is
// tracked. Logout and close failures are ignored, as the clear
// re-initializes the token regardless; a clear failure is returned.
func (f *TokenFixture) Teardown(ctx context.Context) error {
	defer metricskey.PerfFixtureOperation.MeasureSince(time.Now(), f.slotTag, "teardown")

	if err := f.ensureLoaded(); err != nil {
		return err
	}

	logger.KV(xlog.DEBUG, "slot", f.slotID, "session", f.session, "status", "logout")
	if err := f.module.Logout(f.session); err != nil {
		f.ignored("logout", err)
	}

	logger.KV(xlog.DEBUG, "slot", f.slotID, "status", "close_all_sessions")
	if err := f.module.CloseAllSessions(f.slotID); err != nil {
		f.ignored("close_all_sessions", err)
	}
	f.session = 0
	f.transition(Loaded)

	return f.ClearToken(ctx)
}

// Close finalizes and releases the module. It is safe to call more than
// once; only the first call releases the module.
func (f *TokenFixture) Close() error {
	if f.state == Unloaded {
		return nil
	}

	if f.state.HasSession() {
		if err := f.module.CloseSession(f.session); err != nil {
			f.ignored("close_session", err)
		}
	}

	err := p11.Unload(f.module)
	f.module = nil
	f.session = 0
	f.transition(Unloaded)
	if err != nil {
		return f.failed("close", tokenerr.Mark(tokenerr.SessionError, err, "could not finalize module"))
	}
	return nil
}

func (f *TokenFixture) ensureLoaded() error {
	if f.state == Unloaded {
		return tokenerr.Mark(tokenerr.SessionError, nil, "fixture is closed")
	}
	return nil
}

func (f *TokenFixture) requireSession() error {
	if err := f.ensureLoaded(); err != nil {
		return err
	}
	if !f.state.HasSession() {
		return tokenerr.Mark(tokenerr.SessionError, nil, "no open session")
	}
	return nil
}

func (f *TokenFixture) transition(to State) {
	if f.state != to {
		logger.KV(xlog.DEBUG, "slot", f.slotID, "from", f.state, "to", to)
		f.state = to
	}
}

// failed logs and counts the failure, and returns err
func (f *TokenFixture) failed(action string, err error) error {
	kind := tokenerr.KindName(err)
	metricskey.StatsFixtureFailure.IncrCounter(1, action, kind)
	logger.KV(xlog.ERROR,
		"slot", f.slotID,
		"action", action,
		"kind", kind,
		"err", err.Error())
	return err
}

// ignored logs a best-effort failure
func (f *TokenFixture) ignored(action string, err error) {
	level := xlog.WARNING
	if p11.IsReturnCode(err, pkcs11.CKR_USER_NOT_LOGGED_IN, pkcs11.CKR_SESSION_HANDLE_INVALID) {
		level = xlog.DEBUG
	}
	logger.KV(level,
		"slot", f.slotID,
		"action", action,
		"reason", "ignored",
		"err", err.Error())
}
