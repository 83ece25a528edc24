package status

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	t.Run("decodes backend status", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/status", r.URL.Path)
			w.Write([]byte(`{"mongodb_connected":true,"rabbitmq_connected":false,"model_name":"gpt-4"}`))
		}))
		defer ts.Close()

		s, err := Fetch(context.Background(), nil, ts.URL)
		require.NoError(t, err)
		assert.True(t, s.MongoConnected)
		assert.False(t, s.RabbitConnected)
		assert.Equal(t, "gpt-4", s.ModelName)
	})

	t.Run("non-200 is an error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		}))
		defer ts.Close()

		_, err := Fetch(context.Background(), nil, ts.URL)
		assert.Error(t, err)
	})

	t.Run("invalid body is an error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer ts.Close()

		_, err := Fetch(context.Background(), nil, ts.URL)
		assert.Error(t, err)
	})
}

func TestPoller(t *testing.T) {
	t.Run("polls immediately and on interval", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"mongodb_connected":true,"rabbitmq_connected":true}`))
		}))
		defer ts.Close()

		var mu sync.Mutex
		var updates []BackendStatus

		p := NewPoller(ts.URL, 10*time.Millisecond, func(s BackendStatus) {
			mu.Lock()
			updates = append(updates, s)
			mu.Unlock()
		})
		p.Start(context.Background())
		defer p.Stop()

		deadline := time.Now().Add(500 * time.Millisecond)
		for time.Now().Before(deadline) {
			mu.Lock()
			n := len(updates)
			mu.Unlock()
			if n >= 2 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}

		mu.Lock()
		defer mu.Unlock()
		require.GreaterOrEqual(t, len(updates), 2)
		assert.True(t, updates[0].MongoConnected)
	})

	t.Run("failed poll reports disconnected", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}))
		defer ts.Close()

		got := make(chan BackendStatus, 1)
		p := NewPoller(ts.URL, time.Hour, func(s BackendStatus) {
			select {
			case got <- s:
			default:
			}
		})
		p.Start(context.Background())
		defer p.Stop()

		select {
		case s := <-got:
			assert.False(t, s.MongoConnected)
			assert.False(t, s.RabbitConnected)
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected an update from the initial poll")
		}
	})
}
