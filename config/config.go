// Package config loads the agent's TOML configuration file and applies
// environment overrides on top of it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dotside-studios/lntag-agent/nfc"
)

// DefaultFile is the config file name looked up in the working
// directory when --config is not given.
const DefaultFile = "lntag-agent.toml"

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "LNTAG_"

// LNbits configures the wallet backend connection.
type LNbits struct {
	URL         string `toml:"url"`
	APIKey      string `toml:"api_key"`
	WalletID    string `toml:"wallet_id"`
	TimeoutSecs int    `toml:"timeout_secs"`
}

// NFC selects and tunes the reader port.
type NFC struct {
	Port           string `toml:"port"`
	Device         string `toml:"device"`
	PollIntervalMs int    `toml:"poll_interval_ms"`
	ReadRetries    int    `toml:"read_retries"`
	WriteRetries   int    `toml:"write_retries"`
	RetryDelayMs   int    `toml:"retry_delay_ms"`
}

// Daemon tunes the payment observation loop.
type Daemon struct {
	RateLimitSecs   float64 `toml:"rate_limit_secs"`
	RetentionSecs   int     `toml:"retention_secs"`
	PollTimeoutSecs float64 `toml:"poll_timeout_secs"`
}

// Defaults are the provisioning values used when a command omits them.
type Defaults struct {
	TagTitle    string `toml:"tag_title"`
	TagUses     int    `toml:"tag_uses"`
	LNURLBech32 bool   `toml:"lnurl_bech32"`
}

// Server configures the optional daemon event server.
type Server struct {
	Enabled   bool   `toml:"enabled"`
	Port      int    `toml:"port"`
	APISecret string `toml:"api_secret"`
	TLS       bool   `toml:"tls"`
	MDNS      bool   `toml:"mdns"`
}

// Log configures the zerolog output.
type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Config is the full agent configuration.
type Config struct {
	LNbits   LNbits   `toml:"lnbits"`
	NFC      NFC      `toml:"nfc"`
	Daemon   Daemon   `toml:"daemon"`
	Defaults Defaults `toml:"defaults"`
	Server   Server   `toml:"server"`
	Log      Log      `toml:"log"`
}

// Default returns a config populated with every default value. A
// missing config file plus environment overrides is a valid setup.
func Default() *Config {
	return &Config{
		LNbits: LNbits{
			TimeoutSecs: 30,
		},
		NFC: NFC{
			Port:           nfc.BackendPCSC,
			PollIntervalMs: 100,
			ReadRetries:    3,
			WriteRetries:   3,
			RetryDelayMs:   500,
		},
		Daemon: Daemon{
			RateLimitSecs:   2,
			RetentionSecs:   3600,
			PollTimeoutSecs: 0.5,
		},
		Defaults: Defaults{
			TagTitle:    "Lightning Gift Card",
			TagUses:     1,
			LNURLBech32: true,
		},
		Server: Server{
			Port: 18090,
			MDNS: true,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads the TOML file at path, falling back to defaults for
// anything it leaves out, then applies environment overrides. An empty
// path means DefaultFile, and that file being absent is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !explicit && os.IsNotExist(err) {
			// No config file is a supported setup.
		} else {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays LNTAG_* environment variables on the loaded file.
// Only the settings an operator plausibly injects at deploy time are
// overridable; tuning knobs stay in the file.
func (c *Config) applyEnv() {
	setString(&c.LNbits.URL, "LNBITS_URL")
	setString(&c.LNbits.APIKey, "LNBITS_API_KEY")
	setString(&c.LNbits.WalletID, "LNBITS_WALLET_ID")
	setString(&c.NFC.Port, "NFC_PORT")
	setString(&c.NFC.Device, "NFC_DEVICE")
	setString(&c.Server.APISecret, "SERVER_API_SECRET")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.File, "LOG_FILE")
	setBool(&c.Server.Enabled, "SERVER_ENABLED")
	setBool(&c.Defaults.LNURLBech32, "LNURL_BECH32")
	setInt(&c.Server.Port, "SERVER_PORT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

// Validate checks the fields every command depends on. Commands that
// never touch LNbits still get a valid config when the wallet section
// is filled; an empty wallet section only fails once a command needs it
// (see RequireLNbits).
func (c *Config) Validate() error {
	switch c.NFC.Port {
	case nfc.BackendPCSC, nfc.BackendLibNFC, nfc.BackendMock:
	default:
		return fmt.Errorf("config: unknown nfc port %q", c.NFC.Port)
	}

	if c.LNbits.URL != "" && !strings.HasPrefix(c.LNbits.URL, "http://") && !strings.HasPrefix(c.LNbits.URL, "https://") {
		return fmt.Errorf("config: lnbits url %q must be http(s)", c.LNbits.URL)
	}
	if c.Defaults.TagUses < 1 {
		return fmt.Errorf("config: defaults.tag_uses must be at least 1, got %d", c.Defaults.TagUses)
	}
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	return nil
}

// RequireLNbits fails unless the wallet backend is configured. Commands
// that mint or list links call it before connecting.
func (c *Config) RequireLNbits() error {
	if c.LNbits.URL == "" {
		return fmt.Errorf("config: lnbits.url is not set (file %s or %sLNBITS_URL)", DefaultFile, EnvPrefix)
	}
	if c.LNbits.APIKey == "" {
		return fmt.Errorf("config: lnbits.api_key is not set (file %s or %sLNBITS_API_KEY)", DefaultFile, EnvPrefix)
	}
	return nil
}

// LNbitsTimeout returns the wallet HTTP timeout as a duration.
func (c *Config) LNbitsTimeout() time.Duration {
	return time.Duration(c.LNbits.TimeoutSecs) * time.Second
}

// DriverOptions maps the [nfc] section onto driver options.
func (c *Config) DriverOptions() nfc.Options {
	return nfc.Options{
		PollInterval: time.Duration(c.NFC.PollIntervalMs) * time.Millisecond,
		RetryDelay:   time.Duration(c.NFC.RetryDelayMs) * time.Millisecond,
		ReadRetries:  c.NFC.ReadRetries,
		WriteRetries: c.NFC.WriteRetries,
	}
}

// RateLimitWindow returns the daemon dedup window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Daemon.RateLimitSecs * float64(time.Second))
}

// Retention returns the ledger retention period as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Daemon.RetentionSecs) * time.Second
}

// PollTimeout returns the daemon per-iteration poll timeout.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Daemon.PollTimeoutSecs * float64(time.Second))
}
