// Package tokensuite runs testify suites against a token fixture.
//
// Embed Suite in a test suite to get the token lifecycle wired to the
// suite hooks:
//
//	SetupSuite    loads the module and clears the token
//	SetupTest     clears the token, opens a session and, for UserLogin,
//	              sets the default user PIN and logs in as user
//	TearDownTest  logs out, closes sessions and clears the token
//	TearDownSuite finalizes the module
package tokensuite

import (
	"context"

	"github.com/effective-security/p11fixture/config"
	"github.com/effective-security/p11fixture/fixture"
	"github.com/effective-security/xlog"
	"github.com/stretchr/testify/suite"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11fixture/fixture", "tokensuite")

// LoginMode selects the per test setup
type LoginMode int

const (
	// NoLogin opens a session without login
	NoLogin LoginMode = iota
	// UserLogin initializes the default user PIN and logs in as user
	UserLogin
)

// Suite is a testify suite with the token fixture lifecycle
type Suite struct {
	suite.Suite

	// Config is the fixture configuration,
	// if not set, it is loaded with config.LoadOrDefault
	Config *config.Config
	// Options are passed to fixture.Open
	Options []fixture.Option
	// Login selects the per test setup
	Login LoginMode

	// Fixture is available after SetupSuite
	Fixture *fixture.TokenFixture

	ctx context.Context
}

// Context for fixture calls
func (s *Suite) Context() context.Context {
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	return s.ctx
}

// SetupSuite loads the module and clears the token.
// The suite is skipped if no module is configured.
func (s *Suite) SetupSuite() {
	if s.Config == nil {
		cfg, err := config.LoadOrDefault("")
		s.Require().NoError(err, "could not load fixture configuration")
		s.Config = cfg
	}
	if s.Config.Module.Path == "" {
		s.T().Skipf("PKCS#11 module is not configured, set %s or %s", config.EnvModule, config.EnvConfig)
	}

	f, err := fixture.Open(s.Context(), s.Config, s.Options...)
	s.Require().NoError(err, "could not set up token fixture")
	s.Fixture = f
}

// TearDownSuite finalizes the module
func (s *Suite) TearDownSuite() {
	if s.Fixture == nil {
		return
	}
	logger.KV(xlog.DEBUG, "status", "group_teardown")
	s.NoError(s.Fixture.Close())
}

// SetupTest clears the token and opens a session,
// and logs in as user for UserLogin
func (s *Suite) SetupTest() {
	f := s.Fixture
	s.Require().NotNil(f, "token fixture is not set up")

	s.Require().NoError(f.ClearToken(s.Context()), "could not clear token")
	s.Require().NoError(f.OpenSession(), "could not open session to token")

	if s.Login == UserLogin {
		s.Require().NoError(f.InitTokenWithDefaultPIN(), "could not initialize token with default user PIN")
		s.Require().NoError(f.LoginAsDefaultUser(), "could not login to token with user PIN")
	}
}

// TearDownTest logs out, closes all sessions and clears the token
func (s *Suite) TearDownTest() {
	if s.Fixture == nil {
		return
	}
	s.Require().NoError(s.Fixture.Teardown(s.Context()), "could not clear token")
}
