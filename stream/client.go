// Package stream maintains the long-lived server-push channel delivering
// asynchronous replies and status pushes from the chat backend.
//
// The client consumes a text/event-stream (SSE) endpoint, parses each event
// as a chat message, and hands parsed messages to a registered handler.
// Connection drops trigger reconnection with exponential backoff capped at
// DefaultMaxDelay; the client reconnects indefinitely until stopped.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatlink/events"
	"github.com/opd-ai/chatlink/message"
)

// ErrAlreadyStarted is returned when Start is called on a running client.
var ErrAlreadyStarted = errors.New("stream client already started")

// MessageHandler consumes each message parsed from the push channel.
type MessageHandler func(*message.Message)

// State is a snapshot of the connection state: whether the channel is open
// and how many consecutive reconnect attempts have failed.
type State struct {
	Connected bool
	Attempts  int
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the reconnect backoff parameters.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithHTTPClient overrides the HTTP client used to open the stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeProvider injects a custom timer source (testing).
func WithTimeProvider(tp TimeProvider) Option {
	return func(c *Client) { c.timeProvider = tp }
}

// Client keeps a single SSE channel open against {endpoint}/stream.
type Client struct {
	endpoint     string
	httpClient   *http.Client
	dispatcher   *events.Dispatcher
	handler      MessageHandler
	baseDelay    time.Duration
	maxDelay     time.Duration
	timeProvider TimeProvider

	mu        sync.Mutex
	connected bool
	attempts  int
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewClient creates a stream client for the given API endpoint. Connection
// state changes are emitted on the dispatcher as ConnectionStatusEvents.
func NewClient(endpoint string, dispatcher *events.Dispatcher, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		// No overall timeout: the stream is long-lived by design.
		httpClient:   &http.Client{},
		dispatcher:   dispatcher,
		baseDelay:    DefaultBaseDelay,
		maxDelay:     DefaultMaxDelay,
		timeProvider: RealTimeProvider{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnMessage registers the handler invoked for each parsed inbound message.
// Must be called before Start.
func (c *Client) OnMessage(handler MessageHandler) {
	c.handler = handler
}

// Start opens the push channel and keeps it open until the context is
// canceled or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Client.Start",
		"endpoint": c.endpoint,
	}).Info("Starting push channel")

	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// Stop closes the push channel and waits for the reconnect loop to exit.
// Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// State returns a snapshot of the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Connected: c.connected, Attempts: c.attempts}
}

// Connected reports whether the push channel is currently open.
func (c *Client) Connected() bool {
	return c.State().Connected
}

// run is the connect/read/reconnect loop. A single goroutine owns the whole
// cycle, which serializes reconnects and makes overlapping reconnect timers
// impossible.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		attempts := c.markDisconnected()
		delay := ReconnectDelay(attempts, c.baseDelay, c.maxDelay)

		logrus.WithFields(logrus.Fields{
			"function": "Client.run",
			"attempt":  attempts,
			"delay_ms": delay.Milliseconds(),
			"error":    errString(err),
		}).Warn("Push channel dropped, scheduling reconnect")

		if !c.waitReconnect(ctx, delay) {
			return
		}
	}
}

// connectAndRead opens the stream and consumes events until the connection
// drops. Returns the terminating error (nil on clean EOF).
func (c *Client) connectAndRead(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/stream", nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	c.markConnected()
	return c.readEvents(resp.Body)
}

// markConnected resets the attempt counter and announces the open channel.
func (c *Client) markConnected() {
	c.mu.Lock()
	c.connected = true
	c.attempts = 0
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Client.markConnected",
		"endpoint": c.endpoint,
	}).Info("Push channel connected")

	c.dispatcher.Emit(events.ConnectionStatusEvent{Connected: true})
}

// markDisconnected records the drop, increments the attempt counter, and
// announces the closed channel. Returns the new attempt count.
func (c *Client) markDisconnected() int {
	c.mu.Lock()
	c.connected = false
	c.attempts++
	attempts := c.attempts
	c.mu.Unlock()

	c.dispatcher.Emit(events.ConnectionStatusEvent{Connected: false, Attempts: attempts})
	return attempts
}

// waitReconnect blocks for the backoff delay. Returns false if the context
// was canceled while waiting.
func (c *Client) waitReconnect(ctx context.Context, delay time.Duration) bool {
	timer := c.timeProvider.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// readEvents parses the SSE wire format: "data:" lines accumulate the event
// payload, a blank line terminates it. Comment lines (":") and unknown
// fields are ignored. Unparsable payloads are logged and dropped without
// closing the channel.
func (c *Client) readEvents(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 {
				c.handleEvent(data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry:, and comment lines are not used by
			// the backend.
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return io.EOF
}

// handleEvent parses one event payload and hands it to the handler.
func (c *Client) handleEvent(payload string) {
	msg, err := message.Parse([]byte(payload))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleEvent",
			"error":    err.Error(),
		}).Warn("Dropping unparsable stream event")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Client.handleEvent",
		"message_id":   msg.ID,
		"message_type": string(msg.Type),
	}).Debug("Received stream event")

	if c.handler != nil {
		c.handler(msg)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
