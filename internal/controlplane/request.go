package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"syscall"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// Retry configuration for container requests. The initial delay is
// aggressive to catch the port mapping coming up without a fixed sleep.
const (
	retryInitialDelay = 50 * time.Millisecond
	retryMaxDelay     = 2 * time.Second
	retryMaxAttempts  = 15
	retryMultiplier   = 2.0
)

// containerBase is the URL prefix for container requests. The host part is
// ignored; the runtime's transport dials the mapped port regardless.
const containerBase = "http://sandbox"

// pingTimeout bounds a single liveness probe.
const pingTimeout = 5 * time.Second

// isRetryableError reports whether a transport failure is transient enough
// to retry while the container settles.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Connection refused or reset: container not listening yet or restarting.
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	// Connection closed before the response: agent still starting.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "EOF")
}

// isRetryableStatus reports whether an HTTP status should trigger a retry.
func isRetryableStatus(statusCode int) bool {
	return statusCode >= 500 && statusCode < 600
}

// doWithRetry runs fn with exponential backoff until it returns a
// non-retryable outcome or the attempt budget runs out. Response bodies
// consumed by a retry are drained and closed; the returned response is the
// caller's to close.
func doWithRetry(ctx context.Context, fn func() (*http.Response, error)) (*http.Response, error) {
	delay := retryInitialDelay

	for attempt := 1; ; attempt++ {
		resp, err := fn()
		if err == nil && !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil && !isRetryableError(err) {
			return nil, err
		}
		if attempt == retryMaxAttempts {
			return resp, err
		}

		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(time.Duration(float64(delay)*retryMultiplier), retryMaxDelay)
	}
}

// Do forwards one request to the container, bringing it up first if
// needed. Transport failures and 5xx responses retry with exponential
// backoff while the container settles. The caller owns the response body.
func (i *Instance) Do(ctx context.Context, method, path string, header http.Header, body []byte) (*http.Response, error) {
	if err := i.EnsureStarted(ctx); err != nil {
		return nil, err
	}
	i.RenewActivity(ctx)

	return doWithRetry(ctx, func() (*http.Response, error) {
		client, err := i.rt.HTTPClient(ctx, i.id)
		if err != nil {
			return nil, err
		}

		// The body reader is consumed per attempt, so build it fresh.
		var r io.Reader
		if len(body) > 0 {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, containerBase+path, r)
		if err != nil {
			return nil, fmt.Errorf("build container request: %w", err)
		}
		for k, vv := range header {
			req.Header[k] = vv
		}
		if len(body) > 0 && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		return client.Do(req)
	})
}

// doJSON forwards a JSON request and decodes the response into out when out
// is non-nil. The container's HTTP status is returned alongside.
func (i *Instance) doJSON(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
	}

	resp, err := i.Do(ctx, method, path, nil, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode container response: %w", err)
	}
	return resp.StatusCode, nil
}

// ping issues a single non-retried liveness probe against the agent.
func (i *Instance) ping(ctx context.Context) error {
	client, err := i.rt.HTTPClient(ctx, i.id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", containerBase+"/api/ping", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping returned status %d", resp.StatusCode)
	}
	return nil
}

// Proxy tunnels an inbound request into the container at target, upgrade
// headers intact, and relays the response. The query string rides along
// unchanged. WebSocket and other upgraded connections are spliced by the
// reverse proxy; frames are never parsed here.
func (i *Instance) Proxy(w http.ResponseWriter, r *http.Request, target string) error {
	ctx := r.Context()
	if err := i.EnsureStarted(ctx); err != nil {
		return err
	}
	i.RenewActivity(ctx)

	client, err := i.rt.HTTPClient(ctx, i.id)
	if err != nil {
		return err
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = "sandbox"
			req.URL.Path = target
			req.URL.RawQuery = r.URL.RawQuery
		},
		Transport: client.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			i.log.Warn("container proxy error", "target", target, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	proxy.ServeHTTP(w, r)
	return nil
}

// Ping checks agent liveness through the full request path, starting the
// container if necessary.
func (i *Instance) Ping(ctx context.Context) (*api.PingResponse, error) {
	var out api.PingResponse
	status, err := i.doJSON(ctx, "GET", "/api/ping", nil, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("ping returned status %d", status)
	}
	return &out, nil
}
