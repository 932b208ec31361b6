// Package config loads go-habla service configuration from an optional YAML
// file, a .env file and HABLA_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvConfigFile     = "HABLA_CONFIG_FILE"
	EnvHTTPAddr       = "HABLA_HTTP_ADDR"
	EnvBackendURL     = "HABLA_BACKEND_URL"
	EnvRealtimeURL    = "HABLA_REALTIME_URL"
	EnvRealtimeModel  = "HABLA_REALTIME_MODEL"
	EnvVoice          = "HABLA_VOICE"
	EnvPersistence    = "HABLA_PERSISTENCE"
	EnvDBDriver       = "HABLA_DB_DRIVER"
	EnvDBDSN          = "HABLA_DB_DSN"
	EnvLogLevel       = "HABLA_LOG_LEVEL"
	EnvTTSEnglish     = "HABLA_TTS_EN"
	EnvTTSSpanish     = "HABLA_TTS_ES"
	EnvSessionID      = "HABLA_SESSION_ID"
	EnvDedupeWindow   = "HABLA_DEDUPE_WINDOW"
	EnvRequestTimeout = "HABLA_REQUEST_TIMEOUT"

	defaultConfigFileName = "habla.yaml"
)

// Defaults.
const (
	DefaultHTTPAddr       = ":8080"
	DefaultBackendURL     = "http://localhost:3000"
	DefaultRealtimeURL    = "https://api.openai.com/v1/realtime"
	DefaultRealtimeModel  = "gpt-4o-mini-realtime-preview-2024-12-17"
	DefaultVoice          = "alloy"
	DefaultDBDriver       = "sqlite"
	DefaultDBDSN          = "habla.db"
	DefaultDedupeWindow   = 1500 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

// Persistence modes.
const (
	PersistHTTP = "http"
	PersistDB   = "db"
	PersistNone = "none"
)

var (
	// ErrInvalidConfig is wrapped by every validation failure.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config is the fully resolved service configuration.
type Config struct {
	HTTPAddr       string
	BackendURL     string
	RealtimeURL    string
	RealtimeModel  string
	Voice          string
	Persistence    string
	DBDriver       string
	DBDSN          string
	LogLevel       string
	TTSEnglish     bool
	TTSSpanish     bool
	SessionID      string
	DedupeWindow   time.Duration
	RequestTimeout time.Duration
	ICEServers     []string
}

type fileConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	BackendURL     string   `yaml:"backend_url"`
	RealtimeURL    string   `yaml:"realtime_url"`
	RealtimeModel  string   `yaml:"realtime_model"`
	Voice          string   `yaml:"voice"`
	Persistence    string   `yaml:"persistence"`
	DBDriver       string   `yaml:"db_driver"`
	DBDSN          string   `yaml:"db_dsn"`
	LogLevel       string   `yaml:"log_level"`
	TTSEnglish     *bool    `yaml:"tts_en"`
	TTSSpanish     *bool    `yaml:"tts_es"`
	SessionID      string   `yaml:"session_id"`
	DedupeWindow   string   `yaml:"dedupe_window"`
	RequestTimeout string   `yaml:"request_timeout"`
	ICEServers     []string `yaml:"ice_servers"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPAddr:       DefaultHTTPAddr,
		BackendURL:     DefaultBackendURL,
		RealtimeURL:    DefaultRealtimeURL,
		RealtimeModel:  DefaultRealtimeModel,
		Voice:          DefaultVoice,
		Persistence:    PersistHTTP,
		DBDriver:       DefaultDBDriver,
		DBDSN:          DefaultDBDSN,
		LogLevel:       "info",
		TTSEnglish:     true,
		TTSSpanish:     true,
		DedupeWindow:   DefaultDedupeWindow,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Load resolves configuration. path may be empty, in which case
// HABLA_CONFIG_FILE and then ./habla.yaml are tried. A missing default file
// or .env is not an error; a missing explicit file is.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	explicit := path != ""
	if !explicit {
		if p := strings.TrimSpace(os.Getenv(EnvConfigFile)); p != "" {
			path = p
			explicit = true
		} else {
			path = defaultConfigFileName
		}
	}

	fc, ok, err := readFile(path)
	if err != nil {
		return Config{}, err
	}
	if !ok && explicit {
		return Config{}, fmt.Errorf("config: file %q not found", path)
	}
	if ok {
		if err := cfg.applyFile(fc); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileConfig{}, false, nil
		}
		return fileConfig{}, false, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, false, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fc, true, nil
}

func (c *Config) applyFile(fc fileConfig) error {
	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.BackendURL, fc.BackendURL)
	setString(&c.RealtimeURL, fc.RealtimeURL)
	setString(&c.RealtimeModel, fc.RealtimeModel)
	setString(&c.Voice, fc.Voice)
	setString(&c.Persistence, fc.Persistence)
	setString(&c.DBDriver, fc.DBDriver)
	setString(&c.DBDSN, fc.DBDSN)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.SessionID, fc.SessionID)
	if fc.TTSEnglish != nil {
		c.TTSEnglish = *fc.TTSEnglish
	}
	if fc.TTSSpanish != nil {
		c.TTSSpanish = *fc.TTSSpanish
	}
	if len(fc.ICEServers) > 0 {
		c.ICEServers = append([]string(nil), fc.ICEServers...)
	}
	if err := setDuration(&c.DedupeWindow, "dedupe_window", fc.DedupeWindow); err != nil {
		return err
	}
	return setDuration(&c.RequestTimeout, "request_timeout", fc.RequestTimeout)
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, os.Getenv(EnvHTTPAddr))
	setString(&c.BackendURL, os.Getenv(EnvBackendURL))
	setString(&c.RealtimeURL, os.Getenv(EnvRealtimeURL))
	setString(&c.RealtimeModel, os.Getenv(EnvRealtimeModel))
	setString(&c.Voice, os.Getenv(EnvVoice))
	setString(&c.Persistence, os.Getenv(EnvPersistence))
	setString(&c.DBDriver, os.Getenv(EnvDBDriver))
	setString(&c.DBDSN, os.Getenv(EnvDBDSN))
	setString(&c.LogLevel, os.Getenv(EnvLogLevel))
	setString(&c.SessionID, os.Getenv(EnvSessionID))

	if err := setBool(&c.TTSEnglish, EnvTTSEnglish); err != nil {
		return err
	}
	if err := setBool(&c.TTSSpanish, EnvTTSSpanish); err != nil {
		return err
	}
	if err := setDuration(&c.DedupeWindow, EnvDedupeWindow, os.Getenv(EnvDedupeWindow)); err != nil {
		return err
	}
	return setDuration(&c.RequestTimeout, EnvRequestTimeout, os.Getenv(EnvRequestTimeout))
}

// Validate checks the resolved configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return fmt.Errorf("%w: backend url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.RealtimeURL) == "" {
		return fmt.Errorf("%w: realtime url is required", ErrInvalidConfig)
	}
	switch c.Persistence {
	case PersistHTTP, PersistNone:
	case PersistDB:
		if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
			return fmt.Errorf("%w: unsupported db driver %q", ErrInvalidConfig, c.DBDriver)
		}
	default:
		return fmt.Errorf("%w: unknown persistence mode %q", ErrInvalidConfig, c.Persistence)
	}
	if c.DedupeWindow <= 0 {
		return fmt.Errorf("%w: dedupe window must be positive", ErrInvalidConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, env string) error {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, env, err)
	}
	*dst = v
	return nil
}

func setDuration(dst *time.Duration, name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
	}
	*dst = d
	return nil
}
