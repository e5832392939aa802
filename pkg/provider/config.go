package provider

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Defaults of the fallback path
const (
	DefaultDegradeTimeout    = 5 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultDriftThreshold    = 5
	DefaultSyncInterval      = 10 * time.Second
	DefaultResyncMinInterval = 1 * time.Second
	DefaultResyncMaxInterval = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
)

// Config tunes a Session. Zero values are replaced by the defaults.
type Config struct {
	// BaseURL is the server's http(s) root, e.g. http://localhost:8080
	BaseURL string
	Token   string
	// CanEdit says whether the local actor holds edit rights; readers never forward edits
	CanEdit bool
	// FallbackOnly skips the primary transport and degrades right away
	FallbackOnly bool

	DegradeTimeout    time.Duration
	ReconnectDelay    time.Duration
	DriftThreshold    int
	SyncInterval      time.Duration
	ResyncMinInterval time.Duration
	ResyncMaxInterval time.Duration
	RequestTimeout    time.Duration

	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

func DefaultConfig() Config {
	return Config{
		CanEdit:           true,
		DegradeTimeout:    DefaultDegradeTimeout,
		ReconnectDelay:    DefaultReconnectDelay,
		DriftThreshold:    DefaultDriftThreshold,
		SyncInterval:      DefaultSyncInterval,
		ResyncMinInterval: DefaultResyncMinInterval,
		ResyncMaxInterval: DefaultResyncMaxInterval,
		RequestTimeout:    DefaultRequestTimeout,
		HTTPClient:        &http.Client{},
		Logger:            zap.NewNop().Sugar(),
	}
}

type Option func(*Config)

func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

func WithToken(token string) Option {
	return func(c *Config) { c.Token = token }
}

func WithCanEdit(canEdit bool) Option {
	return func(c *Config) { c.CanEdit = canEdit }
}

func WithFallbackOnly() Option {
	return func(c *Config) { c.FallbackOnly = true }
}

func WithDegradeTimeout(d time.Duration) Option {
	return func(c *Config) { c.DegradeTimeout = d }
}

// WithReconnectDelay sets how long a failed push channel waits before reopening
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Config) { c.ReconnectDelay = d }
}

func WithDriftThreshold(n int) Option {
	return func(c *Config) { c.DriftThreshold = n }
}

func WithSyncInterval(d time.Duration) Option {
	return func(c *Config) { c.SyncInterval = d }
}

// WithResyncInterval bounds how often a rejected message may trigger a full sync
func WithResyncInterval(min, max time.Duration) Option {
	return func(c *Config) {
		c.ResyncMinInterval = min
		c.ResyncMaxInterval = max
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Config) { c.Logger = logger }
}

func newConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	defaults := DefaultConfig()
	if cfg.DegradeTimeout < 0 {
		cfg.DegradeTimeout = defaults.DegradeTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = defaults.DriftThreshold
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.ResyncMinInterval <= 0 {
		cfg.ResyncMinInterval = defaults.ResyncMinInterval
	}
	if cfg.ResyncMaxInterval < cfg.ResyncMinInterval {
		cfg.ResyncMaxInterval = cfg.ResyncMinInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = defaults.HTTPClient
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	return cfg
}
