// Package client is the Go client for a gantry daemon. A Client is cheap
// and safe for concurrent use; Sandbox handles obtained from it address one
// sandbox each and create both the record and the container lazily on
// first operation.
//
// Every failed operation returns a *Error carrying a stable code; compare
// with errors.Is against the package sentinels or unpack with errors.As.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gantrylabs/gantry/internal/security"
	"github.com/gantrylabs/gantry/pkg/api"
)

// Hooks observe command executions made through Exec and ExecStream.
// Unset fields are skipped. Hooks run on the calling goroutine for Exec
// and on the stream's pump goroutine for ExecStream, so they must not
// block.
type Hooks struct {
	OnCommandStart    func(command string)
	OnCommandComplete func(result *api.ExecResult)
	OnOutput          func(stream, data string)
	OnError           func(err error)
}

// Client talks to one gantry daemon.
type Client struct {
	baseURL string
	http    *http.Client
	hooks   Hooks
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The client must not
// set a global timeout; streaming calls stay open indefinitely and are
// bounded by their contexts.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithHooks installs execution observers.
func WithHooks(h Hooks) Option {
	return func(c *Client) { c.hooks = h }
}

// New returns a Client for the daemon at baseURL, e.g.
// "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Sandbox returns a handle on the sandbox with the given id. The id is
// validated locally and never leaves the process when invalid.
func (c *Client) Sandbox(id string) (*Sandbox, error) {
	clean, err := security.SanitizeSandboxID(id)
	if err != nil {
		return nil, &Error{Code: api.CodeInvalidID, Message: err.Error(), Op: "sandbox"}
	}
	return &Sandbox{c: c, id: clean}, nil
}

// ListSandboxes returns every sandbox known to the daemon.
func (c *Client) ListSandboxes(ctx context.Context) ([]api.SandboxInfo, error) {
	var out api.ListSandboxesResponse
	if err := c.doJSON(ctx, "GET", "/v1/sandboxes", nil, &out, "listSandboxes"); err != nil {
		return nil, err
	}
	return out.Sandboxes, nil
}

// DeleteSandbox destroys a sandbox's container and removes its record.
func (c *Client) DeleteSandbox(ctx context.Context, id string) error {
	clean, err := security.SanitizeSandboxID(id)
	if err != nil {
		return &Error{Code: api.CodeInvalidID, Message: err.Error(), Op: "deleteSandbox"}
	}
	return c.doJSON(ctx, "DELETE", "/v1/sandboxes/"+clean, nil, nil, "deleteSandbox")
}

// doJSON performs one request against the daemon, marshalling in (when
// non-nil) and unmarshalling the 200 response into out (when non-nil).
// Non-200 responses become typed errors.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, op string) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(op, resp.StatusCode, resp.Header, payload)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return nil
}

// openStream opens an SSE response. The caller owns resp.Body on success;
// errors raised before the stream starts come back typed.
func (c *Client) openStream(ctx context.Context, method, path string, in any, op string) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, decodeError(op, resp.StatusCode, resp.Header, payload)
	}
	return resp, nil
}

func (c *Client) hookError(err error) {
	if h := c.hooks.OnError; h != nil && err != nil {
		h(err)
	}
}
