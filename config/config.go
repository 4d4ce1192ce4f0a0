// Package config provides the token fixture configuration
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/provision"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11fixture", "config")

// Fixed test literals
const (
	// DefaultSOPin is the factory security officer PIN
	DefaultSOPin = "00000000"
	// DefaultUserPin is the user PIN set by the fixture
	DefaultUserPin = "12345"
	// DefaultShortMessage is the message digested in a single part
	DefaultShortMessage = "Hello world !!!"
	// DefaultLongMessageFile is the file digested in multiple parts
	DefaultLongMessageFile = "testdata/long_message.txt"
	// DefaultBufferSize is the chunk size for multi-part digest
	DefaultBufferSize = 1024
)

// Environment variables
const (
	// EnvModule overrides the PKCS#11 module path
	EnvModule = "P11FIXTURE_MODULE"
	// EnvConfig specifies the config file location
	EnvConfig = "P11FIXTURE_CONFIG"
)

// Config of the token fixture
type Config struct {
	Module       Module       `json:"module"       yaml:"module"`
	SOPin        string       `json:"so_pin"       yaml:"so_pin"`
	UserPin      string       `json:"user_pin"     yaml:"user_pin"`
	Provisioning Provisioning `json:"provisioning" yaml:"provisioning"`
	Digest       Digest       `json:"digest"       yaml:"digest"`
}

// Module specifies the PKCS#11 module and token.
// A token may be identified by slot ID, serial number or label,
// in that order; otherwise the first slot with a token is used.
type Module struct {
	// Path to PKCS#11 library, or a registered loader name
	Path        string `json:"path"         yaml:"path"`
	TokenLabel  string `json:"token_label"  yaml:"token_label"`
	TokenSerial string `json:"token_serial" yaml:"token_serial"`
	SlotID      *uint  `json:"slot_id"      yaml:"slot_id"`
}

// Provisioning specifies the external provisioning tool
type Provisioning struct {
	// Profile is one of provision.Profiles
	Profile string `json:"profile" yaml:"profile"`
	// Erase overrides the profile's erase command line
	Erase []string `json:"erase"   yaml:"erase"`
	// Init overrides the profile's init command line
	Init []string `json:"init"    yaml:"init"`
}

// Digest specifies digest test inputs
type Digest struct {
	ShortMessage    string `json:"short_message"     yaml:"short_message"`
	LongMessageFile string `json:"long_message_file" yaml:"long_message_file"`
	BufferSize      int    `json:"buffer_size"       yaml:"buffer_size"`
}

// Default returns configuration with the fixed test literals
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults sets default values for empty fields
func (c *Config) SetDefaults() {
	c.SOPin = values.StringsCoalesce(c.SOPin, DefaultSOPin)
	c.UserPin = values.StringsCoalesce(c.UserPin, DefaultUserPin)
	c.Provisioning.Profile = values.StringsCoalesce(c.Provisioning.Profile, provision.ProfilePKCS15)
	c.Digest.ShortMessage = values.StringsCoalesce(c.Digest.ShortMessage, DefaultShortMessage)
	c.Digest.LongMessageFile = values.StringsCoalesce(c.Digest.LongMessageFile, DefaultLongMessageFile)
	c.Digest.BufferSize = values.Select(c.Digest.BufferSize == 0, DefaultBufferSize, c.Digest.BufferSize)
}

// Validate returns error if the configuration is not usable
func (c *Config) Validate() error {
	if c.Module.Path == "" {
		return errors.New("module path is not specified")
	}
	if c.Digest.BufferSize < 1 {
		return errors.Errorf("invalid buffer size: %d", c.Digest.BufferSize)
	}
	if c.SOPin == "" || c.UserPin == "" {
		return errors.New("PIN is not specified")
	}
	if !slices.ContainsString(provision.Profiles, c.Provisioning.Profile) {
		return errors.Errorf("unsupported provisioning profile: %q", c.Provisioning.Profile)
	}
	if c.Provisioning.Profile == provision.ProfileCustom && len(c.Provisioning.Init) == 0 {
		return errors.New("custom provisioning requires init command")
	}
	return nil
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	clone := new(Config)
	if err := copier.CopyWithOption(clone, c, copier.Option{DeepCopy: true}); err != nil {
		logger.Panicf("unable to copy config: %v", err)
	}
	return clone
}

// ProvisioningCommands returns the erase and init command lines,
// with profile defaults and parameters applied
func (c *Config) ProvisioningCommands(p provision.Params) (erase, init []string, err error) {
	erase, init, err = provision.Commands(c.Provisioning.Profile)
	if err != nil {
		return nil, nil, err
	}
	if len(c.Provisioning.Erase) > 0 {
		erase = c.Provisioning.Erase
	}
	if len(c.Provisioning.Init) > 0 {
		init = c.Provisioning.Init
	}
	return provision.Expand(erase, p), provision.Expand(init, p), nil
}

// Load returns configuration from the file.
// JSON is used for .json files, otherwise YAML.
// Defaults and environment overrides are applied.
func Load(filename string) (*Config, error) {
	cfr, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer cfr.Close()

	c := new(Config)
	if strings.HasSuffix(filename, ".json") {
		err = json.NewDecoder(cfr).Decode(c)
	} else {
		err = yaml.NewDecoder(cfr).Decode(c)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
	}

	baseDir := filepath.Dir(filename)
	if c.SOPin, err = loadPin(c.SOPin, baseDir); err != nil {
		return nil, errors.WithMessagef(err, "unable to load SO PIN for configuration: %s", filename)
	}
	if c.UserPin, err = loadPin(c.UserPin, baseDir); err != nil {
		return nil, errors.WithMessagef(err, "unable to load user PIN for configuration: %s", filename)
	}
	if c.Digest.LongMessageFile != "" && !filepath.IsAbs(c.Digest.LongMessageFile) {
		if resolved, err := resolve(c.Digest.LongMessageFile, baseDir); err == nil {
			c.Digest.LongMessageFile = resolved
		}
	}

	c.SetDefaults()
	c.ApplyEnv()
	return c, nil
}

// LoadOrDefault returns configuration from the file,
// or from EnvConfig location, or the default configuration
func LoadOrDefault(filename string) (*Config, error) {
	filename = values.StringsCoalesce(filename, os.Getenv(EnvConfig))
	if filename == "" {
		c := Default()
		c.ApplyEnv()
		return c, nil
	}
	return Load(filename)
}

// ApplyEnv applies environment overrides
func (c *Config) ApplyEnv() {
	if m := os.Getenv(EnvModule); m != "" {
		logger.KV(xlog.DEBUG, "env", EnvModule, "module", m)
		c.Module.Path = m
	}
}

// loadPin returns PIN value.
// If it's prefixed with `file:`, then it will be loaded from the file.
func loadPin(pin, baseDir string) (string, error) {
	if !strings.HasPrefix(pin, "file:") {
		return pin, nil
	}
	pinfile := pin[5:]

	// try to resolve pin file
	cwd, _ := os.Getwd()
	folders := []string{
		"",
		cwd,
		baseDir,
	}

	for _, folder := range folders {
		if resolved, err := resolve(pinfile, folder); err == nil {
			pinfile = resolved
			break
		}
		logger.KV(xlog.DEBUG, "reason", "resolve", "pinfile", pinfile, "basedir", folder)
	}

	pb, err := os.ReadFile(pinfile)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return strings.TrimSpace(string(pb)), nil
}

// resolve returns absolute file name relative to baseDir,
// or not found error.
func resolve(file string, baseDir string) (resolved string, err error) {
	if file == "" {
		return file, nil
	}
	if filepath.IsAbs(file) {
		resolved = file
	} else if baseDir != "" {
		resolved = filepath.Join(baseDir, file)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return resolved, errors.WithMessagef(err, "not found: %v", resolved)
	}
	return resolved, nil
}
