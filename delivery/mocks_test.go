package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/chatlink/message"
)

// mockTransport fails a scripted number of times before succeeding.
type mockTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []*message.Message
}

var errTransport = errors.New("connection refused")

func (t *mockTransport) SendMessage(_ context.Context, msg *message.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls++
	if t.calls <= t.failures {
		return errTransport
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *mockTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// recordingSleeper records requested delays instead of sleeping, so retry
// tests run instantly.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

// seqGenerator produces deterministic message IDs.
type seqGenerator struct {
	mu sync.Mutex
	n  int
}

func (g *seqGenerator) NextID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("msg-%03d", g.n)
}

// staticProbe reports a fixed connection state.
type staticProbe struct {
	connected bool
}

func (p staticProbe) Connected() bool { return p.connected }
