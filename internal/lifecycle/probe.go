// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tomtom215/spawngate/internal/metrics"
)

// probeTimeout bounds one health probe end to end.
const probeTimeout = 5 * time.Second

// Probe issues HTTP health checks against backend health endpoints. It
// shares the proxy's pooled transport so probes and proxied requests reuse
// the same backend connections.
type Probe struct {
	client *http.Client
}

// NewProbe creates a Probe on top of the shared transport. Redirects are
// not followed; a redirect status is simply a non-2xx result.
func NewProbe(transport http.RoundTripper) *Probe {
	return &Probe{
		client: &http.Client{
			Transport: transport,
			Timeout:   probeTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check probes http://127.0.0.1:{port}{path} and reports success iff the
// status is in [200, 300). Transport errors count as failure; Check never
// returns an error.
func (p *Probe) Check(ctx context.Context, hostname string, port int, path string) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		metrics.RecordProbe(hostname, false)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.RecordProbe(hostname, false)
		return false
	}
	defer resp.Body.Close()

	// Drain so the connection returns to the pool.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	metrics.RecordProbe(hostname, ok)
	return ok
}
