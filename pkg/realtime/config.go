package realtime

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/teslashibe/go-habla/pkg/media"
)

// Default signaling endpoint and model.
const (
	DefaultURL   = "https://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-mini-realtime-preview-2024-12-17"
)

// Config configures PeerTransport.
type Config struct {
	// URL is the SDP exchange endpoint.
	URL string

	// Model is appended as the "model" query parameter.
	Model string

	// ICEServers lists STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string

	// GatherTimeout bounds ICE candidate gathering before the offer is sent.
	GatherTimeout time.Duration

	// HTTPClient performs the offer/answer exchange.
	HTTPClient *http.Client

	// NewSource creates the local microphone source for each session.
	NewSource func() media.Source

	// NewSink creates a sink for each remote track.
	NewSink media.SinkFactory

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:           DefaultURL,
		Model:         DefaultModel,
		GatherTimeout: 5 * time.Second,
		NewSource: func() media.Source {
			return media.NewSilenceSource(media.DefaultFrameDuration, nil)
		},
		NewSink: media.NewCountingSink,
		Logger:  slog.Default(),
	}
}

// Option is a functional option for PeerTransport.
type Option func(*Config)

// WithURL sets the signaling endpoint.
func WithURL(url string) Option {
	return func(c *Config) {
		c.URL = url
	}
}

// WithModel sets the model.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithICEServers sets STUN/TURN URLs.
func WithICEServers(urls ...string) Option {
	return func(c *Config) {
		c.ICEServers = urls
	}
}

// WithHTTPClient sets the signaling HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = hc
	}
}

// WithSource sets the local source factory.
func WithSource(fn func() media.Source) Option {
	return func(c *Config) {
		c.NewSource = fn
	}
}

// WithSink sets the remote sink factory.
func WithSink(fn media.SinkFactory) Option {
	return func(c *Config) {
		c.NewSink = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
