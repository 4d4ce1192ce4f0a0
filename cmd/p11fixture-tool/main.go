package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11fixture/cmd/p11fixture-tool/cli"
	"github.com/effective-security/p11fixture/internal/version"
	"github.com/effective-security/x/ctl"

	// register in-memory module for dry runs
	_ "github.com/effective-security/p11fixture/p11/faketoken"
)

type app struct {
	cli.Cli

	Tokens   cli.TokensCmd   `cmd:"" help:"list slots with present tokens"`
	Clear    cli.ClearCmd    `cmd:"" help:"clear the token with the provisioning tool"`
	InitPin  cli.InitPinCmd  `cmd:"" name:"init-pin" help:"set the default user PIN as security officer"`
	Login    cli.LoginCmd    `cmd:"" help:"set the default user PIN and log in as user"`
	Digest   cli.DigestCmd   `cmd:"" help:"digest a message on the token"`
	Selftest cli.SelftestCmd `cmd:"" help:"run digest tests without login and with user login"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("p11fixture-tool"),
		kong.Description("CLI tool to provision and test PKCS#11 tokens"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG more print command line
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		if cerr := cl.Cli.Close(); err == nil {
			err = cerr
		}
		ctx.FatalIfErrorf(err)
	}
}
