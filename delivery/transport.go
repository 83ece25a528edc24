package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opd-ai/chatlink/message"
)

// maxResponseBytes bounds how much of a send response is read when checking
// that the backend returned parseable JSON.
const maxResponseBytes = 1 << 20

// Transport performs a single delivery attempt for an outbound message.
// Implementations return an error for transport failures and for backend
// rejections; the Manager treats both as retryable.
type Transport interface {
	SendMessage(ctx context.Context, msg *message.Message) error
}

// sendRequest is the JSON body of POST {endpoint}/send_message.
type sendRequest struct {
	Content   string `json:"content"`
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// HTTPTransport delivers messages to the chat backend over HTTP.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTransport creates a transport posting to {endpoint}/send_message.
func NewHTTPTransport(endpoint string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}
}

// SendMessage implements Transport. Success requires a 2xx status and a
// parseable JSON response body.
func (t *HTTPTransport) SendMessage(ctx context.Context, msg *message.Message) error {
	body, err := json.Marshal(sendRequest{
		Content:   msg.Content,
		Type:      string(msg.Type),
		MessageID: msg.ID,
	})
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/send_message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message %s: %w", msg.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read send response for %s: %w", msg.ID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send message %s: unexpected status %d", msg.ID, resp.StatusCode)
	}

	if !json.Valid(respBody) {
		return fmt.Errorf("send message %s: response is not valid JSON", msg.ID)
	}

	return nil
}
