package cli

import (
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/config"
	"github.com/effective-security/p11fixture/fixture"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/xlog"
	"golang.org/x/net/context"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11fixture", "cli")

// Cli provides CLI context to run commands
type Cli struct {
	Version ctl.VersionFlag `name:"version" help:"Print version information and quit" hidden:""`

	Cfg      string `help:"Location of fixture config file, or P11FIXTURE_CONFIG" type:"path"`
	Module   string `help:"PKCS#11 module path, overrides the config"`
	Token    string `help:"Token label, overrides the config"`
	Serial   string `help:"Token serial, overrides the config"`
	Slot     int    `help:"Slot ID, overrides the config" default:"-1"`
	Profile  string `help:"Provisioning profile (pkcs15-init|softhsm2-util|module|custom), overrides the config"`
	Debug    bool   `short:"D" help:"Enable debug mode"`
	LogLevel string `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`

	// Stdin is the source to read from, typically set to os.Stdin
	stdin io.Reader
	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	ctx     context.Context
	cfg     *config.Config
	opts    []fixture.Option
	fixture *fixture.TokenFixture
}

// Context for requests
func (c *Cli) Context() context.Context {
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	return c.ctx
}

// Reader is the source to read from, typically set to os.Stdin
func (c *Cli) Reader() io.Reader {
	if c.stdin != nil {
		return c.stdin
	}
	return os.Stdin
}

// WithReader allows to specify a custom reader
func (c *Cli) WithReader(reader io.Reader) *Cli {
	c.stdin = reader
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// WithFixtureOptions allows to specify options for fixture.Open
func (c *Cli) WithFixtureOptions(opts ...fixture.Option) *Cli {
	c.opts = append(c.opts, opts...)
	return c
}

// AfterApply hook sets the log level
func (c *Cli) AfterApply(app *kong.Kong, vars kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}

	return nil
}

// WriteJSON prints response to out
func (c *Cli) WriteJSON(value any) error {
	return ctl.WriteJSON(c.Writer(), value)
}

// Config returns the fixture configuration with flag overrides
func (c *Cli) Config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}

	cfg, err := config.LoadOrDefault(c.Cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to load config")
	}
	if c.Module != "" {
		cfg.Module.Path = c.Module
	}
	if c.Token != "" {
		cfg.Module.TokenLabel = c.Token
	}
	if c.Serial != "" {
		cfg.Module.TokenSerial = c.Serial
	}
	if c.Slot >= 0 {
		id := uint(c.Slot)
		cfg.Module.SlotID = &id
	}
	if c.Profile != "" {
		cfg.Provisioning.Profile = c.Profile
	}
	if cfg.Module.Path == "" {
		return nil, errors.Errorf("use --module or --cfg flag to specify PKCS#11 module, or set %s", config.EnvModule)
	}

	c.cfg = cfg
	return cfg, nil
}

// Fixture loads the module and clears the token
func (c *Cli) Fixture() (*fixture.TokenFixture, error) {
	if c.fixture != nil {
		return c.fixture, nil
	}

	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}

	logger.KV(xlog.DEBUG, "module", cfg.Module.Path, "profile", cfg.Provisioning.Profile)
	f, err := fixture.Open(c.Context(), cfg, c.opts...)
	if err != nil {
		return nil, err
	}
	c.fixture = f
	return f, nil
}

// Close releases the module, if loaded
func (c *Cli) Close() error {
	if c.fixture == nil {
		return nil
	}
	err := c.fixture.Close()
	c.fixture = nil
	return err
}
