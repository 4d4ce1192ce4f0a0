// Package provision runs the external token provisioning tool.
//
// Provisioning is two opaque steps: erase the token, then initialize it
// without a security officer PIN. Each step is an external process treated
// as pass or fail; a non-zero exit status is reported as
// tokenerr.ProvisioningError with the tool output attached.
package provision

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/tokenerr"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11fixture", "provision")

// Provisioner erases and initializes the token
type Provisioner interface {
	// Erase the token
	Erase(ctx context.Context) error
	// Init the blank token without SO PIN
	Init(ctx context.Context) error
}

// Clear erases and then initializes the token
func Clear(ctx context.Context, p Provisioner) error {
	if err := p.Erase(ctx); err != nil {
		return tokenerr.Mark(tokenerr.ProvisioningError, err, "could not erase token")
	}
	if err := p.Init(ctx); err != nil {
		return tokenerr.Mark(tokenerr.ProvisioningError, err, "could not init token")
	}
	return nil
}

// Runner runs a command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command as a child process
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- commands come from the fixture configuration
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Tool runs the configured erase and init commands
type Tool struct {
	erase  []string
	init   []string
	runner Runner
}

// Ensure compiles
var _ Provisioner = (*Tool)(nil)

// NewTool returns Tool for erase and init command lines.
// An empty command line skips the step.
func NewTool(erase, init []string) *Tool {
	return &Tool{
		erase:  erase,
		init:   init,
		runner: ExecRunner,
	}
}

// WithRunner replaces the process runner
func (t *Tool) WithRunner(r Runner) *Tool {
	t.runner = r
	return t
}

// EraseCommand returns the erase command line
func (t *Tool) EraseCommand() []string {
	return t.erase
}

// InitCommand returns the init command line
func (t *Tool) InitCommand() []string {
	return t.init
}

// Erase the token
func (t *Tool) Erase(ctx context.Context) error {
	return t.run(ctx, "erase", t.erase)
}

// Init the token
func (t *Tool) Init(ctx context.Context) error {
	return t.run(ctx, "init", t.init)
}

func (t *Tool) run(ctx context.Context, step string, argv []string) error {
	if len(argv) == 0 {
		logger.KV(xlog.DEBUG, "step", step, "status", "skipped")
		return nil
	}

	logger.KV(xlog.INFO, "step", step, "cmd", redact(argv))

	out, err := t.runner(ctx, argv[0], argv[1:]...)
	if err != nil {
		logger.KV(xlog.ERROR,
			"step", step,
			"cmd", argv[0],
			"err", err.Error(),
			"output", strings.TrimSpace(string(out)))
		return tokenerr.Markf(tokenerr.ProvisioningError,
			errors.WithDetail(err, string(out)),
			"%s failed: %s", step, argv[0])
	}
	logger.KV(xlog.DEBUG, "step", step, "status", "done")
	return nil
}

// redact hides values of PIN flags in the command line
func redact(argv []string) string {
	list := make([]string, len(argv))
	hide := false
	for i, a := range argv {
		switch {
		case hide:
			list[i] = "***"
			hide = false
		case strings.HasPrefix(a, "--pin=") || strings.HasPrefix(a, "--so-pin="):
			list[i] = a[:strings.Index(a, "=")+1] + "***"
		default:
			list[i] = a
			hide = a == "--pin" || a == "--so-pin"
		}
	}
	return strings.Join(list, " ")
}
