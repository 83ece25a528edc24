// Package status polls the chat backend's health endpoint. It is a sidecar
// to the delivery and stream packages: its result feeds status displays,
// never delivery decisions.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often the poller refreshes backend status.
const DefaultPollInterval = 10 * time.Second

// BackendStatus mirrors GET {endpoint}/status.
type BackendStatus struct {
	MongoConnected  bool   `json:"mongodb_connected"`
	RabbitConnected bool   `json:"rabbitmq_connected"`
	ModelName       string `json:"model_name,omitempty"`
}

// Fetch performs a single status request.
func Fetch(ctx context.Context, client *http.Client, endpoint string) (BackendStatus, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/status", nil)
	if err != nil {
		return BackendStatus{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return BackendStatus{}, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return BackendStatus{}, fmt.Errorf("fetch status: unexpected status %d", resp.StatusCode)
	}

	var s BackendStatus
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return BackendStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return s, nil
}

// UpdateHandler receives each poll result. On a failed poll the handler is
// invoked with the zero value, which reads as fully disconnected.
type UpdateHandler func(BackendStatus)

// Poller periodically fetches backend status and invokes the handler.
type Poller struct {
	endpoint string
	client   *http.Client
	interval time.Duration
	handler  UpdateHandler

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller for the given API endpoint. An interval <= 0
// falls back to DefaultPollInterval.
func NewPoller(endpoint string, interval time.Duration, handler UpdateHandler) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
		handler:  handler,
	}
}

// Start begins polling immediately, then on every interval tick, until the
// context is canceled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(runCtx)
}

// Stop halts polling and waits for the poll loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	s, err := Fetch(ctx, p.client, p.endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "Poller.poll",
			"endpoint": p.endpoint,
			"error":    err.Error(),
		}).Warn("Backend status poll failed")
		s = BackendStatus{}
	}

	if p.handler != nil {
		p.handler(s)
	}
}
