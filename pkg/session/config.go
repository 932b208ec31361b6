package session

import (
	"log/slog"
	"time"

	"github.com/teslashibe/go-habla/pkg/metrics"
	"github.com/teslashibe/go-habla/pkg/protocol"
)

// Config holds engine configuration.
type Config struct {
	// DedupeWindow suppresses a finalized transcript identical to the last
	// entry of its log when the two are closer than this.
	DedupeWindow time.Duration

	// Voice is the synthesis voice for speech directives.
	Voice string

	// TTSEnglish and TTSSpanish are the initial playback toggles.
	TTSEnglish bool
	TTSSpanish bool

	// RequestTimeout bounds each collaborator call.
	RequestTimeout time.Duration

	// AutoConnect initiates a connection whenever a session id is selected.
	AutoConnect bool

	// LoadHistory rehydrates history from the loader when a session is selected.
	LoadHistory bool

	// Logger is the structured logger to use.
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Now returns the current time. Tests replace it.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DedupeWindow:   1500 * time.Millisecond,
		Voice:          protocol.DefaultVoice,
		TTSEnglish:     true,
		TTSSpanish:     true,
		RequestTimeout: 30 * time.Second,
		LoadHistory:    true,
		Logger:         slog.Default(),
		Now:            time.Now,
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Option is a functional option for the engine.
type Option func(*Config)

// WithDedupeWindow sets the duplicate-transcript window.
func WithDedupeWindow(d time.Duration) Option {
	return func(c *Config) {
		c.DedupeWindow = d
	}
}

// WithVoice sets the synthesis voice.
func WithVoice(voice string) Option {
	return func(c *Config) {
		c.Voice = voice
	}
}

// WithTTS sets both playback toggles.
func WithTTS(english, spanish bool) Option {
	return func(c *Config) {
		c.TTSEnglish = english
		c.TTSSpanish = spanish
	}
}

// WithRequestTimeout bounds collaborator calls.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithAutoConnect connects whenever a session is selected.
func WithAutoConnect(on bool) Option {
	return func(c *Config) {
		c.AutoConnect = on
	}
}

// WithLoadHistory toggles history rehydration on session select.
func WithLoadHistory(on bool) Option {
	return func(c *Config) {
		c.LoadHistory = on
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}
