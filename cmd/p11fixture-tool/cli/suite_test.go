package cli

import (
	"bytes"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11fixture/p11/faketoken"
	"github.com/effective-security/x/ctl"
	"github.com/stretchr/testify/suite"
)

type testSuite struct {
	suite.Suite

	ctl *Cli
	// Out is the outpub buffer
	Out bytes.Buffer
	// Err is the error output buffer
	Err bytes.Buffer
}

func (s *testSuite) SetupTest() {
	s.Out.Reset()
	s.Err.Reset()
	s.ctl = &Cli{}

	s.ctl.WithErrWriter(&s.Err).
		WithWriter(&s.Out)

	parser, err := kong.New(s.ctl,
		kong.Name("p11fixture-tool"),
		kong.Description("CLI tool to provision and test PKCS#11 tokens"),
		kong.Writers(&s.Out, &s.Err),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{
		"--module=" + faketoken.ModuleName,
		"--profile=module",
	})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}
}

func (s *testSuite) TearDownTest() {
	s.NoError(s.ctl.Close())
}

// HasText is a helper method to assert that the out stream contains the supplied
// text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

// HasNoText is a helper method to assert that the out stream does not contain the supplied
// text
func (s *testSuite) HasNoText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.NotContains(outStr, t)
	}
}
