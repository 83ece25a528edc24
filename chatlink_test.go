package chatlink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatlink/message"
)

const (
	testWait     = 2 * time.Second
	testPollStep = 5 * time.Millisecond
)

// chatBackend is a fake server covering the send, stream, and history
// endpoints. Every accepted send is answered with a correlated AI reply
// pushed over the event stream.
type chatBackend struct {
	mu       sync.Mutex
	sends    []string
	history  []*message.Message
	pushes   chan string
	failSend bool
}

func newChatBackend() *chatBackend {
	return &chatBackend{pushes: make(chan string, 16)}
}

func (b *chatBackend) sentIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sends...)
}

func (b *chatBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/send_message":
		b.handleSend(w, r)
	case "/stream":
		b.handleStream(w, r)
	case "/messages":
		b.mu.Lock()
		history := append([]*message.Message(nil), b.history...)
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(history)
	case "/status":
		fmt.Fprint(w, `{"mongodb_connected":true,"rabbitmq_connected":true,"model_name":"test-model"}`)
	default:
		http.NotFound(w, r)
	}
}

func (b *chatBackend) handleSend(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	fail := b.failSend
	b.mu.Unlock()
	if fail {
		http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Content   string `json:"content"`
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.sends = append(b.sends, req.MessageID)
	b.mu.Unlock()

	reply := fmt.Sprintf(
		`{"id":"reply-%d","type":"ai","content":"ack: %s","response_to":"%s","timestamp":"%s"}`,
		len(b.sends), req.Content, req.MessageID, time.Now().UTC().Format(time.RFC3339))

	// Push the reply only after the send response has completed, so the
	// client has armed its response timer before the reply arrives.
	go func() {
		time.Sleep(50 * time.Millisecond)
		b.pushes <- reply
	}()

	fmt.Fprint(w, `{"status":"queued"}`)
}

func (b *chatBackend) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	flusher.Flush()
	for {
		select {
		case payload := <-b.pushes:
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(testPollStep)
	}
	t.Fatal(msg)
}

func testClient(t *testing.T, backend *chatBackend) *Client {
	t.Helper()
	ts := httptest.NewServer(backend)
	t.Cleanup(ts.Close)

	opts := NewOptions(ts.URL)
	opts.RetryDelay = 10 * time.Millisecond
	opts.ReconnectBase = 10 * time.Millisecond
	opts.ReconnectMax = 40 * time.Millisecond

	client, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSendAndReplyRoundTrip(t *testing.T) {
	backend := newChatBackend()
	client := testClient(t, backend)

	var mu sync.Mutex
	statuses := make(map[string][]message.Status)
	client.OnMessageStatus(func(id string, s message.Status) {
		mu.Lock()
		statuses[id] = append(statuses[id], s)
		mu.Unlock()
	})

	require.NoError(t, client.Start(context.Background()))
	waitFor(t, func() bool { return client.ConnectionState().Connected }, "push channel never connected")

	id, err := client.Send("hello backend")
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		seq := statuses[id]
		return len(seq) > 0 && seq[len(seq)-1] == message.StatusReceived
	}, "message never reached received status")

	mu.Lock()
	assert.Equal(t,
		[]message.Status{message.StatusSending, message.StatusSent, message.StatusReceived},
		statuses[id])
	mu.Unlock()

	// Both the outbound message and the correlated reply end up in history.
	waitFor(t, func() bool { return client.History().Len() == 2 }, "reply never stored")
	original, ok := client.History().GetByID(id)
	require.True(t, ok)
	assert.Equal(t, message.StatusReceived, original.Status)
}

func TestSendRetriesUntilBackendRecovers(t *testing.T) {
	backend := newChatBackend()
	backend.failSend = true
	client := testClient(t, backend)

	require.NoError(t, client.Start(context.Background()))

	id, err := client.Send("flaky")
	require.NoError(t, err)

	// Recover the backend before retries are exhausted.
	backend.mu.Lock()
	backend.failSend = false
	backend.mu.Unlock()

	waitFor(t, func() bool {
		msg, ok := client.History().GetByID(id)
		return ok && msg.Status == message.StatusReceived
	}, "retried message never delivered")

	assert.Equal(t, []string{id}, backend.sentIDs())
}

func TestLoadHistorySkipsEntriesAlreadySeen(t *testing.T) {
	backend := newChatBackend()
	now := time.Now().UTC()
	backend.history = []*message.Message{
		{ID: "srv-1", Type: message.TypeUser, Content: "old", Timestamp: now.Add(-time.Hour)},
		{ID: "srv-2", Type: message.TypeAI, Content: "new", Timestamp: now.Add(time.Hour)},
	}
	client := testClient(t, backend)

	// Seed a local message timestamped "now": only srv-2 is newer.
	client.History().Add(&message.Message{
		ID: "local-1", Type: message.TypeUser, Content: "seed", Timestamp: now,
	})

	added, err := client.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	_, ok := client.History().GetByID("srv-1")
	assert.False(t, ok, "entry older than local transcript must be skipped")
	_, ok = client.History().GetByID("srv-2")
	assert.True(t, ok)
}

func TestLoadHistoryIntoEmptyTranscript(t *testing.T) {
	backend := newChatBackend()
	backend.history = []*message.Message{
		{ID: "srv-1", Type: message.TypeUser, Content: "first", Timestamp: time.Unix(1, 0).UTC()},
		{ID: "srv-2", Type: message.TypeAI, Content: "second", Timestamp: time.Unix(2, 0).UTC()},
	}
	client := testClient(t, backend)

	added, err := client.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, client.History().Len())
}

func TestStatusSnapshot(t *testing.T) {
	client := testClient(t, newChatBackend())

	st, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.MongoConnected)
	assert.True(t, st.RabbitConnected)
	assert.Equal(t, "test-model", st.ModelName)
}

func TestCloseIsIdempotentAndBlocksSends(t *testing.T) {
	client := testClient(t, newChatBackend())

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Send("too late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, client.Start(context.Background()), ErrClosed)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Options{})
	assert.Error(t, err)

	opts := NewOptions("http://localhost:5000/api")
	opts.HistoryBackend = HistoryBackend("redis")
	_, err = New(opts)
	assert.Error(t, err)
}

func TestFileBackedHistorySurvivesRestart(t *testing.T) {
	backend := newChatBackend()
	ts := httptest.NewServer(backend)
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "history.json")
	opts := NewOptions(ts.URL)
	opts.HistoryBackend = HistoryFile
	opts.HistoryPath = path

	client, err := New(opts)
	require.NoError(t, err)
	client.History().Add(&message.Message{
		ID: "keep-1", Type: message.TypeUser, Content: "persist me", Timestamp: time.Now().UTC(),
	})
	require.NoError(t, client.Close())

	reborn, err := New(opts)
	require.NoError(t, err)
	defer reborn.Close()

	msg, ok := reborn.History().GetByID("keep-1")
	require.True(t, ok)
	assert.Equal(t, "persist me", msg.Content)
}
