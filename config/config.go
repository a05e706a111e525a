// Package config loads securechannel settings from a YAML file and
// SECURECHANNEL_* environment variables, and turns them into channel options.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opd-ai/securechannel/channel"
	"github.com/opd-ai/securechannel/crypto"
	"github.com/opd-ai/securechannel/noise"
	"github.com/opd-ai/securechannel/routing"
	"github.com/opd-ai/securechannel/vault"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. SECURECHANNEL_LISTEN or
// SECURECHANNEL_LISTENER_RATE.
const EnvPrefix = "SECURECHANNEL"

// ErrInvalidConfig indicates a setting outside its allowed values.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	// VaultPrivate gives every channel its own vault.
	VaultPrivate = "private"
	// VaultShared makes all channels use one serialized vault.
	VaultShared = "shared"
)

// ListenerConfig controls responder channel creation.
type ListenerConfig struct {
	Rate             float64 `yaml:"rate" mapstructure:"rate"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	RejectCollisions bool    `yaml:"reject_collisions" mapstructure:"reject_collisions"`
}

// LogConfig controls the logrus setup.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Config is the complete configuration of a securechannel process.
type Config struct {
	// Listen is the TCP bind address of the server.
	Listen string `yaml:"listen" mapstructure:"listen"`
	// ListenerAddress is the well-known address of the channel listener.
	ListenerAddress string `yaml:"listener_address" mapstructure:"listener_address"`
	// Identity is a file holding the hex X25519 secret key. Empty means a
	// fresh key for every handshake.
	Identity     string         `yaml:"identity" mapstructure:"identity"`
	Cipher       string         `yaml:"cipher" mapstructure:"cipher"`
	Hash         string         `yaml:"hash" mapstructure:"hash"`
	Vault        string         `yaml:"vault" mapstructure:"vault"`
	StrictNonces bool           `yaml:"strict_nonces" mapstructure:"strict_nonces"`
	Listener     ListenerConfig `yaml:"listener" mapstructure:"listener"`
	Log          LogConfig      `yaml:"log" mapstructure:"log"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Listen:          "127.0.0.1:4000",
		ListenerAddress: string(channel.ListenerAddress),
		Cipher:          noise.DefaultSuite.Cipher,
		Hash:            noise.DefaultSuite.Hash,
		Vault:           VaultPrivate,
		StrictNonces:    true,
		Listener: ListenerConfig{
			Rate:             0,
			Burst:            1,
			RejectCollisions: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("listener_address", d.ListenerAddress)
	v.SetDefault("identity", d.Identity)
	v.SetDefault("cipher", d.Cipher)
	v.SetDefault("hash", d.Hash)
	v.SetDefault("vault", d.Vault)
	v.SetDefault("strict_nonces", d.StrictNonces)

	v.SetDefault("listener.rate", d.Listener.Rate)
	v.SetDefault("listener.burst", d.Listener.Burst)
	v.SetDefault("listener.reject_collisions", d.Listener.RejectCollisions)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads path, if not empty, on top of the defaults and applies
// environment overrides. A named file that does not exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     v.ConfigFileUsed(),
		}).Debug("Using config file")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefault writes the built-in configuration to path as YAML. An
// existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "WriteDefault",
		"path":     path,
	}).Info("Created default configuration")
	return nil
}

// Validate checks every enumerated setting.
func (c *Config) Validate() error {
	if _, err := c.Suite().CipherSuite(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	switch c.Vault {
	case VaultPrivate, VaultShared:
	default:
		return fmt.Errorf("%w: vault must be %q or %q, got %q", ErrInvalidConfig, VaultPrivate, VaultShared, c.Vault)
	}

	addr := routing.Address(c.ListenerAddress)
	if err := addr.Validate(); err != nil {
		return fmt.Errorf("%w: listener_address: %v", ErrInvalidConfig, err)
	}
	if addr.Type() != routing.LocalAddress {
		return fmt.Errorf("%w: listener_address %q must be local", ErrInvalidConfig, c.ListenerAddress)
	}

	if c.Listener.Rate < 0 || c.Listener.Burst < 0 {
		return fmt.Errorf("%w: listener rate and burst must not be negative", ErrInvalidConfig)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// Suite returns the configured handshake suite.
func (c *Config) Suite() noise.Suite {
	return noise.Suite{Cipher: c.Cipher, Hash: c.Hash}
}

// ChannelOptions converts the configuration into channel options. The
// returned release function closes a shared vault and must be called once
// every channel has stopped.
func (c *Config) ChannelOptions() (channel.Options, func(), error) {
	opts := channel.DefaultOptions()
	opts.Suite = c.Suite()
	opts.StrictNonces = c.StrictNonces
	opts.RejectCollisions = c.Listener.RejectCollisions
	opts.ListenerRate = rate.Limit(c.Listener.Rate)
	opts.ListenerBurst = c.Listener.Burst

	if c.Identity != "" {
		kp, err := LoadIdentity(c.Identity)
		if err != nil {
			return opts, nil, err
		}
		opts.Static = kp
	}

	release := func() {}
	if c.Vault == VaultShared {
		shared := vault.NewSerialized(vault.NewSoftware())
		opts.Vault = shared
		release = func() { _ = shared.Close() }
	}
	return opts, release, nil
}

// LoadIdentity reads a hex X25519 secret key from path, creating a new one
// when the file does not exist.
func LoadIdentity(path string) (*crypto.KeyPair, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return createIdentity(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(secret) != crypto.KeySize {
		return nil, fmt.Errorf("%w: identity %s is not a %d-byte hex key", ErrInvalidConfig, path, crypto.KeySize)
	}
	defer crypto.ZeroBytes(secret)

	var key [crypto.KeySize]byte
	copy(key[:], secret)
	defer crypto.ZeroBytes(key[:])
	return crypto.FromSecretKey(key)
}

func createIdentity(path string) (*crypto.KeyPair, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("could not create identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.Private[:])+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("could not write identity: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "LoadIdentity",
		"path":       path,
		"public_key": crypto.Preview(kp.Public[:]),
	}).Info("Generated new static identity")
	return kp, nil
}

// SetupLogging applies the log settings to the standard logrus logger.
func (c *Config) SetupLogging() error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	logrus.SetLevel(level)

	if c.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
