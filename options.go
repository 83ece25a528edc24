package chatlink

import (
	"net/http"
	"time"

	"github.com/opd-ai/chatlink/config"
	"github.com/opd-ai/chatlink/delivery"
	"github.com/opd-ai/chatlink/history"
	"github.com/opd-ai/chatlink/stream"
)

// HistoryBackend selects how the transcript is persisted.
type HistoryBackend string

const (
	// HistoryInMemory keeps the transcript only for the process lifetime.
	HistoryInMemory HistoryBackend = "none"
	// HistoryFile persists the transcript as a single JSON blob.
	HistoryFile HistoryBackend = "file"
	// HistorySQLite archives the transcript in a SQLite database.
	HistorySQLite HistoryBackend = "sqlite"
)

// Options configures a Client.
type Options struct {
	// Endpoint is the backend API base, e.g. "http://localhost:5000/api".
	Endpoint string

	// HistorySize bounds the in-memory transcript (default 100).
	HistorySize int
	// HistoryBackend selects transcript persistence (default in-memory).
	HistoryBackend HistoryBackend
	// HistoryPath is the file or database path for persistent backends.
	HistoryPath string

	// MaxRetries bounds delivery retries after the first attempt.
	MaxRetries int
	// RetryDelay is the fixed wait between delivery attempts.
	RetryDelay time.Duration
	// MessageTimeout is how long a sent message waits for its reply.
	MessageTimeout time.Duration

	// ReconnectBase and ReconnectMax shape the push channel backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// HTTPClient overrides the HTTP client used for sends and history
	// reloads. The push channel always uses its own timeout-free client.
	HTTPClient *http.Client
}

// NewOptions returns options with the defaults the web client shipped with.
func NewOptions(endpoint string) *Options {
	return &Options{
		Endpoint:       endpoint,
		HistorySize:    history.DefaultMaxSize,
		HistoryBackend: HistoryInMemory,
		MaxRetries:     delivery.DefaultMaxRetries,
		RetryDelay:     delivery.DefaultRetryDelay,
		MessageTimeout: delivery.DefaultMessageTimeout,
		ReconnectBase:  stream.DefaultBaseDelay,
		ReconnectMax:   stream.DefaultMaxDelay,
	}
}

// OptionsFromConfig maps a loaded configuration onto client options.
func OptionsFromConfig(cfg config.Config) *Options {
	opts := NewOptions(cfg.Endpoint)
	if cfg.History.MaxSize > 0 {
		opts.HistorySize = cfg.History.MaxSize
	}
	if cfg.History.Backend != "" {
		opts.HistoryBackend = HistoryBackend(cfg.History.Backend)
	}
	opts.HistoryPath = cfg.History.Path
	opts.MaxRetries = cfg.Delivery.MaxRetries
	opts.RetryDelay = cfg.Delivery.RetryDelay()
	opts.MessageTimeout = cfg.Delivery.MessageTimeout()
	opts.ReconnectBase = cfg.Stream.BaseDelay()
	opts.ReconnectMax = cfg.Stream.MaxDelay()
	return opts
}
