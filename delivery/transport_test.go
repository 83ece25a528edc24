package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatlink/message"
)

func TestHTTPTransportSendMessage(t *testing.T) {
	t.Run("posts message payload", func(t *testing.T) {
		var gotPath string
		var gotBody sendRequest

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &gotBody)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"queued"}`))
		}))
		defer ts.Close()

		transport := NewHTTPTransport(ts.URL, nil)
		msg := message.New("msg-1", message.TypeUser, "hello")

		require.NoError(t, transport.SendMessage(context.Background(), msg))
		assert.Equal(t, "/send_message", gotPath)
		assert.Equal(t, sendRequest{Content: "hello", Type: "user", MessageID: "msg-1"}, gotBody)
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"broker down"}`, http.StatusBadGateway)
		}))
		defer ts.Close()

		transport := NewHTTPTransport(ts.URL, nil)
		err := transport.SendMessage(context.Background(), message.New("msg-1", message.TypeUser, "hello"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("unparseable response body is an error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>not json</html>"))
		}))
		defer ts.Close()

		transport := NewHTTPTransport(ts.URL, nil)
		err := transport.SendMessage(context.Background(), message.New("msg-1", message.TypeUser, "hello"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not valid JSON")
	})

	t.Run("unreachable server is an error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		ts.Close()

		transport := NewHTTPTransport(ts.URL, nil)
		err := transport.SendMessage(context.Background(), message.New("msg-1", message.TypeUser, "hello"))
		assert.Error(t, err)
	})

	t.Run("trailing slash on endpoint is normalized", func(t *testing.T) {
		var gotPath string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.Write([]byte(`{}`))
		}))
		defer ts.Close()

		transport := NewHTTPTransport(ts.URL+"/", nil)
		require.NoError(t, transport.SendMessage(context.Background(), message.New("msg-1", message.TypeUser, "x")))
		assert.Equal(t, "/send_message", gotPath)
	})
}
