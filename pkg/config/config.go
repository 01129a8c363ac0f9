// Package config loads the relay configuration from YAML, with ${VAR}
// expansion, an optional .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Asterisk AsteriskConfig `yaml:"asterisk"`
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Call     CallConfig     `yaml:"call"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AsteriskConfig holds the PBX control interface settings.
type AsteriskConfig struct {
	Host      string          `yaml:"host"`
	ARIPort   int             `yaml:"ari_port"`
	Username  string          `yaml:"username"`
	Password  string          `yaml:"password"` //nolint:gosec // configuration field, not a hardcoded secret
	AppName   string          `yaml:"app_name"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig bounds the event stream reconnect loop.
type ReconnectConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Delay       string `yaml:"delay"` // Duration string, e.g. "5s".
}

// ServerConfig holds the control-plane listener settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// BackendConfig holds the session-processing backend settings.
type BackendConfig struct {
	URL                string `yaml:"url"`
	WSURL              string `yaml:"ws_url"`
	Token              string `yaml:"token"` //nolint:gosec // configuration field, not a hardcoded secret
	ChannelOpenTimeout string `yaml:"channel_open_timeout"`
	RequestTimeout     string `yaml:"request_timeout"`
}

// CallConfig holds per-call media options.
type CallConfig struct {
	GreetingMedia       string `yaml:"greeting_media"`
	Record              bool   `yaml:"record"`
	RecordFormat        string `yaml:"record_format"`
	ExternalMediaHost   string `yaml:"external_media_host"`
	ExternalMediaFormat string `yaml:"external_media_format"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error.
	Format string `yaml:"format"` // text or json.
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Asterisk: AsteriskConfig{
			Host:      "127.0.0.1",
			ARIPort:   8088,
			AppName:   "callrelay",
			Reconnect: ReconnectConfig{MaxAttempts: 10, Delay: "5s"},
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        3001,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Backend: BackendConfig{
			URL:                "http://localhost:8000",
			WSURL:              "ws://localhost:8000",
			ChannelOpenTimeout: "10s",
			RequestTimeout:     "10s",
		},
		Call: CallConfig{
			RecordFormat:        "wav",
			ExternalMediaFormat: "ulaw",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file on top of Default. Environment variables referenced
// as ${VAR} or $VAR are expanded before parsing. An empty path returns
// Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads environment variables from path. Missing files are ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides fields from the conventional deployment variables
// (ASTERISK_HOST, BACKEND_AUTH_TOKEN, CORS_ORIGINS, ...). Variables that are
// unset or empty are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("ASTERISK_HOST", &c.Asterisk.Host)
	str("ASTERISK_ARI_USERNAME", &c.Asterisk.Username)
	str("ASTERISK_ARI_PASSWORD", &c.Asterisk.Password)
	str("ASTERISK_APP_NAME", &c.Asterisk.AppName)
	str("RELAY_SERVER_HOST", &c.Server.Host)
	str("BACKEND_URL", &c.Backend.URL)
	str("BACKEND_WS_URL", &c.Backend.WSURL)
	str("BACKEND_AUTH_TOKEN", &c.Backend.Token)
	str("LOG_LEVEL", &c.Logging.Level)

	if err := num("ASTERISK_ARI_PORT", &c.Asterisk.ARIPort); err != nil {
		return err
	}
	if err := num("RELAY_SERVER_PORT", &c.Server.Port); err != nil {
		return err
	}

	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.CORSOrigins = origins
	}

	return nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Asterisk.Host == "" {
		return fmt.Errorf("config: asterisk.host is required")
	}
	if c.Asterisk.ARIPort <= 0 || c.Asterisk.ARIPort > 65535 {
		return fmt.Errorf("config: asterisk.ari_port %d out of range", c.Asterisk.ARIPort)
	}
	if c.Asterisk.AppName == "" {
		return fmt.Errorf("config: asterisk.app_name is required")
	}
	if c.Asterisk.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("config: asterisk.reconnect.max_attempts must be at least 1")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("config: backend.url is required")
	}

	durations := map[string]string{
		"asterisk.reconnect.delay":     c.Asterisk.Reconnect.Delay,
		"backend.channel_open_timeout": c.Backend.ChannelOpenTimeout,
		"backend.request_timeout":      c.Backend.RequestTimeout,
	}
	for field, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("config: %s: %w", field, err)
		}
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: logging.format %q: want text or json", c.Logging.Format)
	}

	return nil
}

// ARIBaseURL returns the HTTP base URL of the PBX control interface.
func (c AsteriskConfig) ARIBaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.ARIPort))
}

// ReconnectDelay returns the parsed reconnect delay.
func (c AsteriskConfig) ReconnectDelay() time.Duration {
	d, _ := parseDuration(c.Reconnect.Delay)
	return d
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// OpenTimeout returns the parsed Backend Channel open timeout.
func (c BackendConfig) OpenTimeout() time.Duration {
	d, _ := parseDuration(c.ChannelOpenTimeout)
	return d
}

// Timeout returns the parsed request timeout.
func (c BackendConfig) Timeout() time.Duration {
	d, _ := parseDuration(c.RequestTimeout)
	return d
}

// parseDuration accepts an empty string as zero so callers fall back to
// component defaults.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}

	return d, nil
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log level %q", s)
	}
}
