package chatlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatlink/delivery"
	"github.com/opd-ai/chatlink/events"
	"github.com/opd-ai/chatlink/history"
	"github.com/opd-ai/chatlink/message"
	"github.com/opd-ai/chatlink/status"
	"github.com/opd-ai/chatlink/stream"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("chatlink client closed")

// maxHistoryResponseBytes bounds the server history reload payload.
const maxHistoryResponseBytes = 8 << 20

// Client is the application context tying together the transcript store,
// the push channel, and the delivery manager. Construction order is fixed:
// history first, then the stream client, then the delivery manager wired as
// the stream's message handler.
type Client struct {
	opts       *Options
	dispatcher *events.Dispatcher
	history    *history.Store
	stream     *stream.Client
	delivery   *delivery.Manager
	sqlite     *history.SQLitePersister
	httpClient *http.Client

	mu     sync.Mutex
	closed bool
}

// New creates a client from the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil || opts.Endpoint == "" {
		return nil, errors.New("chatlink: endpoint is required")
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"endpoint": opts.Endpoint,
		"backend":  string(opts.HistoryBackend),
	}).Info("Creating chat client")

	c := &Client{
		opts:       opts,
		dispatcher: events.NewDispatcher(),
		httpClient: opts.HTTPClient,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	persister, err := c.buildPersister()
	if err != nil {
		return nil, err
	}
	c.history = history.NewStore(opts.HistorySize, persister, message.DefaultGenerator())

	c.stream = stream.NewClient(opts.Endpoint, c.dispatcher,
		stream.WithBackoff(opts.ReconnectBase, opts.ReconnectMax),
	)

	transport := delivery.NewHTTPTransport(opts.Endpoint, c.httpClient)
	c.delivery = delivery.NewManager(transport, c.history, c.dispatcher,
		delivery.WithMaxRetries(opts.MaxRetries),
		delivery.WithRetryDelay(opts.RetryDelay),
		delivery.WithMessageTimeout(opts.MessageTimeout),
		delivery.WithConnectionProbe(c.stream),
	)

	c.stream.OnMessage(c.delivery.HandleIncoming)
	return c, nil
}

func (c *Client) buildPersister() (history.Persister, error) {
	switch c.opts.HistoryBackend {
	case HistoryFile:
		return history.NewFilePersister(c.opts.HistoryPath), nil
	case HistorySQLite:
		p, err := history.OpenSQLite(c.opts.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("chatlink: %w", err)
		}
		c.sqlite = p
		return p, nil
	case HistoryInMemory, "":
		return history.NopPersister{}, nil
	default:
		return nil, fmt.Errorf("chatlink: unknown history backend %q", c.opts.HistoryBackend)
	}
}

// Start opens the push channel. Sends work before Start, but replies and
// status pushes only arrive while the channel is running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.stream.Start(ctx)
}

// Close tears the client down: stop the push channel, cancel pending
// delivery timers and in-flight sends, persist the transcript, and release
// the archive database if one is open. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stream.Stop()
	c.delivery.Close()
	c.history.Persist()

	if c.sqlite != nil {
		if err := c.sqlite.Close(); err != nil {
			return fmt.Errorf("chatlink: close history archive: %w", err)
		}
	}
	return nil
}

// Send delivers a user message, returning its ID immediately. Delivery
// progress arrives through the event subscriptions.
func (c *Client) Send(content string) (string, error) {
	return c.SendTyped(content, message.TypeUser)
}

// SendTyped delivers a message with an explicit type tag.
func (c *Client) SendTyped(content string, typ message.Type) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.mu.Unlock()
	return c.delivery.Send(content, typ)
}

// History returns the transcript store.
func (c *Client) History() *history.Store {
	return c.history
}

// Events returns the dispatcher for custom subscriptions.
func (c *Client) Events() *events.Dispatcher {
	return c.dispatcher
}

// ConnectionState returns a snapshot of the push channel state.
func (c *Client) ConnectionState() stream.State {
	return c.stream.State()
}

// Status fetches the backend health snapshot once.
func (c *Client) Status(ctx context.Context) (status.BackendStatus, error) {
	return status.Fetch(ctx, c.httpClient, c.opts.Endpoint)
}

// OnMessage subscribes to every message recorded in the transcript,
// outbound and inbound. Returns an unsubscribe function.
func (c *Client) OnMessage(handler func(*message.Message)) func() {
	return c.dispatcher.Subscribe(events.KindMessage, func(e events.Event) {
		handler(e.(events.MessageEvent).Message)
	})
}

// OnMessageStatus subscribes to delivery status changes.
func (c *Client) OnMessageStatus(handler func(id string, s message.Status)) func() {
	return c.dispatcher.Subscribe(events.KindMessageStatus, func(e events.Event) {
		ev := e.(events.MessageStatusEvent)
		handler(ev.MessageID, ev.Status)
	})
}

// OnConnectionStatus subscribes to push channel state changes.
func (c *Client) OnConnectionStatus(handler func(connected bool)) func() {
	return c.dispatcher.Subscribe(events.KindConnectionStatus, func(e events.Event) {
		handler(e.(events.ConnectionStatusEvent).Connected)
	})
}

// OnMessageError subscribes to exhausted-retry failures.
func (c *Client) OnMessageError(handler func(id string, err error)) func() {
	return c.dispatcher.Subscribe(events.KindMessageError, func(e events.Event) {
		ev := e.(events.MessageErrorEvent)
		handler(ev.MessageID, ev.Err)
	})
}

// OnMessageTimeout subscribes to response timeouts.
func (c *Client) OnMessageTimeout(handler func(id string)) func() {
	return c.dispatcher.Subscribe(events.KindMessageTimeout, func(e events.Event) {
		handler(e.(events.MessageTimeoutEvent).MessageID)
	})
}

// ClearHistory empties the transcript. Pending response timers are canceled
// first so they cannot fire against messages that no longer exist.
func (c *Client) ClearHistory() {
	c.delivery.CancelPending()
	c.history.Clear()
}

// LoadHistory fetches the server-side transcript from {endpoint}/messages
// and appends entries newer than the local transcript's last timestamp,
// filtering duplicate re-deliveries. Returns the number of messages added.
func (c *Client) LoadHistory(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.opts.Endpoint, "/")+"/messages", nil)
	if err != nil {
		return 0, fmt.Errorf("chatlink: build history request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("chatlink: fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chatlink: fetch history: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHistoryResponseBytes))
	if err != nil {
		return 0, fmt.Errorf("chatlink: read history: %w", err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return 0, fmt.Errorf("chatlink: decode history: %w", err)
	}

	cutoff := c.history.LastMessageTime()
	added := 0
	for _, raw := range entries {
		msg, err := message.Parse(raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.LoadHistory",
				"error":    err.Error(),
			}).Warn("Skipping unparsable history entry")
			continue
		}
		if !msg.Timestamp.After(cutoff) {
			continue
		}
		c.history.Add(msg)
		c.dispatcher.Emit(events.MessageEvent{Message: msg})
		added++
	}

	logrus.WithFields(logrus.Fields{
		"function":       "Client.LoadHistory",
		"fetched":        len(entries),
		"added":          added,
		"cutoff":         cutoff.Format(time.RFC3339),
		"history_length": c.history.Len(),
	}).Info("Reloaded server history")

	return added, nil
}
