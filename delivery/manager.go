// Package delivery implements reliable outbound message delivery: bounded
// retries on transport failure, per-message response timeouts, and
// correlation of asynchronous replies arriving over the push channel.
//
// # Message lifecycle
//
// Messages progress through a forward-only state machine:
//
//	pending -> sending -> sent -> received
//	              |         |
//	              v         v (response timeout)
//	            failed    failed
//
// Send returns as soon as the message is recorded locally; delivery progress
// is surfaced through typed events on the shared dispatcher, never as errors
// to the caller.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatlink/events"
	"github.com/opd-ai/chatlink/history"
	"github.com/opd-ai/chatlink/message"
)

const (
	// DefaultMaxRetries is the number of retry attempts after the initial
	// delivery attempt fails.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the fixed wait between delivery attempts.
	DefaultRetryDelay = 2 * time.Second
	// DefaultMessageTimeout is how long a sent message waits for a
	// correlated reply before it is marked failed.
	DefaultMessageTimeout = 30 * time.Second
)

// ErrClosed is returned by Send after the manager has been closed.
var ErrClosed = errors.New("delivery manager closed")

// ConnectionProbe reports whether the push channel is currently open. The
// check is advisory: a down push channel does not block sends, it only gets
// logged, since the HTTP send path is independent of the event stream.
type ConnectionProbe interface {
	Connected() bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxRetries overrides the retry bound.
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithRetryDelay overrides the fixed delay between delivery attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// WithMessageTimeout overrides the response timeout for sent messages.
func WithMessageTimeout(d time.Duration) Option {
	return func(m *Manager) { m.messageTimeout = d }
}

// WithSleeper injects a custom Sleeper (testing).
func WithSleeper(s Sleeper) Option {
	return func(m *Manager) { m.sleeper = s }
}

// WithGenerator injects a custom ID generator (testing).
func WithGenerator(g message.IDGenerator) Option {
	return func(m *Manager) { m.generator = g }
}

// WithConnectionProbe wires the advisory connection-state check.
func WithConnectionProbe(p ConnectionProbe) Option {
	return func(m *Manager) { m.probe = p }
}

// Manager tracks the delivery lifecycle of outbound messages.
type Manager struct {
	transport      Transport
	history        *history.Store
	dispatcher     *events.Dispatcher
	generator      message.IDGenerator
	sleeper        Sleeper
	probe          ConnectionProbe
	maxRetries     int
	retryDelay     time.Duration
	messageTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewManager creates a delivery manager storing messages in the given
// history store and announcing progress on the dispatcher.
func NewManager(transport Transport, store *history.Store, dispatcher *events.Dispatcher, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport:      transport,
		history:        store,
		dispatcher:     dispatcher,
		generator:      message.DefaultGenerator(),
		sleeper:        DefaultSleeper{},
		maxRetries:     DefaultMaxRetries,
		retryDelay:     DefaultRetryDelay,
		messageTimeout: DefaultMessageTimeout,
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send records an outbound message and starts its delivery in the
// background, returning the new message ID immediately. Delivery failures
// are surfaced asynchronously as events, not as errors to the caller.
func (m *Manager) Send(content string, typ message.Type) (string, error) {
	if content == "" {
		return "", message.ErrEmptyContent
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if m.probe != nil && !m.probe.Connected() {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Send",
		}).Warn("Push channel is down, sending anyway")
	}

	msg := message.New(m.generator.NextID(), typ, content)
	m.history.Add(msg)
	m.dispatcher.Emit(events.MessageEvent{Message: msg})

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.Send",
		"message_id":   msg.ID,
		"message_type": string(typ),
	}).Info("Queued outbound message")

	go m.sendWithRetry(msg)
	return msg.ID, nil
}

// sendWithRetry performs the initial delivery attempt plus up to maxRetries
// retries separated by the fixed retryDelay.
func (m *Manager) sendWithRetry(msg *message.Message) {
	defer m.wg.Done()

	m.setStatus(msg.ID, message.StatusSending)

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if m.ctx.Err() != nil {
			return
		}

		if attempt > 0 {
			logrus.WithFields(logrus.Fields{
				"function":   "Manager.sendWithRetry",
				"message_id": msg.ID,
				"attempt":    attempt,
				"error":      lastErr.Error(),
			}).Warn("Delivery attempt failed, retrying")
			m.sleeper.Sleep(m.retryDelay)
			if m.ctx.Err() != nil {
				return
			}
		}

		if lastErr = m.transport.SendMessage(m.ctx, msg); lastErr == nil {
			m.onSent(msg)
			return
		}
	}

	m.onExhausted(msg, lastErr)
}

// onSent marks the message sent and arms its response timeout.
func (m *Manager) onSent(msg *message.Message) {
	m.setStatus(msg.ID, message.StatusSent)

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.onSent",
		"message_id": msg.ID,
		"timeout_ms": m.messageTimeout.Milliseconds(),
	}).Debug("Message sent, awaiting correlated reply")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	id := msg.ID
	m.pending[id] = time.AfterFunc(m.messageTimeout, func() {
		m.onTimeout(id)
	})
}

// onTimeout fires when no correlated reply arrived in time. A reply that
// raced the timer and already removed the pending entry wins.
func (m *Manager) onTimeout(id string) {
	m.mu.Lock()
	_, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.onTimeout",
		"message_id": id,
	}).Warn("No response received before timeout")

	m.setStatus(id, message.StatusFailed)
	m.dispatcher.Emit(events.MessageTimeoutEvent{MessageID: id})
}

// onExhausted handles a message whose retries are spent: mark failed, emit
// the error event once, and append a visible error message to history.
func (m *Manager) onExhausted(msg *message.Message, cause error) {
	logrus.WithFields(logrus.Fields{
		"function":   "Manager.onExhausted",
		"message_id": msg.ID,
		"attempts":   m.maxRetries + 1,
		"error":      cause.Error(),
	}).Error("All delivery attempts failed")

	m.setStatus(msg.ID, message.StatusFailed)
	m.dispatcher.Emit(events.MessageErrorEvent{MessageID: msg.ID, Err: cause})

	notice := message.New(m.generator.NextID(), message.TypeError,
		fmt.Sprintf("Failed to send message: %v", cause))
	m.history.Add(notice)
	m.dispatcher.Emit(events.MessageEvent{Message: notice})
}

// HandleIncoming processes a message arriving over the push channel. Replies
// correlated to a pending outbound message cancel its timeout and mark it
// received; every inbound message is stored and announced. A reply arriving
// after the timeout is stored but never resurrects the original's status.
func (m *Manager) HandleIncoming(msg *message.Message) {
	if msg.IsReply() {
		m.mu.Lock()
		timer, ok := m.pending[msg.ResponseTo]
		if ok {
			timer.Stop()
			delete(m.pending, msg.ResponseTo)
		}
		m.mu.Unlock()

		if ok {
			m.setStatus(msg.ResponseTo, message.StatusReceived)
		} else {
			logrus.WithFields(logrus.Fields{
				"function":    "Manager.HandleIncoming",
				"message_id":  msg.ID,
				"response_to": msg.ResponseTo,
			}).Debug("Reply does not match a pending message, storing only")
		}
	}

	m.history.Add(msg)
	m.dispatcher.Emit(events.MessageEvent{Message: msg})
}

// PendingCount returns the number of sent messages still awaiting a reply.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// CancelPending stops all response timers without marking the messages
// failed. Used when the transcript is cleared so orphaned timers cannot fire
// against evicted messages.
func (m *Manager) CancelPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, timer := range m.pending {
		timer.Stop()
		delete(m.pending, id)
	}
}

// Close cancels in-flight sends and pending response timers, then waits for
// retry goroutines to finish. The manager cannot be reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, timer := range m.pending {
		timer.Stop()
		delete(m.pending, id)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// setStatus transitions a message's status in history and announces the
// change. Transition violations (a late timeout against a received message,
// an update for an evicted message) are logged and otherwise ignored.
func (m *Manager) setStatus(id string, to message.Status) {
	if err := m.history.UpdateStatus(id, to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.setStatus",
			"message_id": id,
			"status":     string(to),
			"error":      err.Error(),
		}).Debug("Skipping status update")
		return
	}
	m.dispatcher.Emit(events.MessageStatusEvent{MessageID: id, Status: to})
}
