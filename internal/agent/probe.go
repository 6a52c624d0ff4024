// ABOUTME: Liveness probing of remote controls over HTTP.
// ABOUTME: A probe succeeds only on a 2xx answer from the agent's driver URL.

package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultProbeTimeout bounds one liveness probe.
const DefaultProbeTimeout = 5 * time.Second

// Prober checks whether an agent answers.
type Prober interface {
	Probe(ctx context.Context, h *Handle) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, h *Handle) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, h *Handle) error {
	return f(ctx, h)
}

// HTTPProber probes agents with a GET against their driver URL.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProber creates a prober. A zero timeout uses DefaultProbeTimeout.
func NewHTTPProber(client *http.Client, timeout time.Duration) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPProber{client: client, timeout: timeout}
}

// Probe returns nil when the agent answered with a 2xx status.
func (p *HTTPProber) Probe(ctx context.Context, h *Handle) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.DriverURL()+"?cmd=getLogMessages", nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing %s: %w", h.ShardKey(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probing %s: unexpected status %d", h.ShardKey(), resp.StatusCode)
	}
	return nil
}
