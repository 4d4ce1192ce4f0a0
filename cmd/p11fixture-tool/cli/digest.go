package cli

import (
	"bytes"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/p11"
	"github.com/effective-security/p11fixture/x/hexutil"
)

// DigestResult is the result of digest command
type DigestResult struct {
	Mechanism string `json:"mechanism"`
	Input     string `json:"input"`
	Size      int    `json:"size"`
	Digest    string `json:"digest"`
	// Verified is set when the digest matches software implementation
	Verified bool `json:"verified"`
}

// DigestCmd digests a message on the token
type DigestCmd struct {
	Mech  string `help:"digest mechanism" default:"SHA256"`
	File  string `help:"file to digest in multiple parts, - for stdin" xor:"input"`
	Text  string `help:"message to digest in a single part" xor:"input"`
	Hex   string `help:"hex encoded message to digest in a single part" xor:"input"`
	Login bool   `help:"set the default user PIN and log in as user before digest"`
}

// Run the command
func (a *DigestCmd) Run(ctx *Cli) error {
	mech, err := p11.MechanismByName(a.Mech)
	if err != nil {
		return err
	}

	f, err := ctx.Fixture()
	if err != nil {
		return err
	}
	if err = f.OpenSession(); err != nil {
		return err
	}
	if a.Login {
		if err = f.InitTokenWithDefaultPIN(); err != nil {
			return err
		}
		if err = f.LoginAsDefaultUser(); err != nil {
			return err
		}
	}

	var (
		input   string
		message []byte
		digest  []byte
	)
	switch {
	case a.File == "-":
		input = "stdin"
		var buf bytes.Buffer
		digest, err = f.DigestReader(mech, io.TeeReader(ctx.Reader(), &buf))
		message = buf.Bytes()
	case a.File != "":
		input = a.File
		digest, err = f.DigestLongMessage(mech, a.File)
	case a.Hex != "":
		input = "hex"
		message, err = hexutil.Decode(a.Hex)
		if err == nil {
			digest, err = f.Digest(mech, message)
		}
	case a.Text != "":
		input = "text"
		message = []byte(a.Text)
		digest, err = f.Digest(mech, message)
	default:
		input = "short_message"
		message = []byte(f.Config().Digest.ShortMessage)
		digest, err = f.DigestShortMessage(mech)
	}
	if err != nil {
		return err
	}

	var expected []byte
	if a.File != "" && a.File != "-" {
		expected, err = softwareDigestFile(mech[0].Mechanism, a.File)
	} else {
		expected, err = softwareDigest(mech[0].Mechanism, bytes.NewReader(message))
	}
	if err != nil {
		return err
	}

	return ctx.WriteJSON(DigestResult{
		Mechanism: p11.MechanismName(mech[0].Mechanism),
		Input:     input,
		Size:      len(digest),
		Digest:    hexutil.EncodeUpper(digest),
		Verified:  bytes.Equal(expected, digest),
	})
}

// softwareDigest returns the digest computed without the token
func softwareDigest(mech uint, r io.Reader) ([]byte, error) {
	h, err := p11.NewHash(mech)
	if err != nil {
		return nil, err
	}
	if _, err = io.Copy(h, r); err != nil {
		return nil, errors.WithMessage(err, "unable to read message")
	}
	return h.Sum(nil), nil
}

func softwareDigestFile(mech uint, file string) ([]byte, error) {
	r, err := os.Open(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer r.Close()
	return softwareDigest(mech, r)
}
