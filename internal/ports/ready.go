package ports

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Probe modes.
const (
	ModeTCP  = "tcp"
	ModeHTTP = "http"
)

// ReadyCheck describes a readiness probe against a local port. Zero-value
// fields get defaults via normalize.
type ReadyCheck struct {
	Port      int
	Mode      string
	Path      string
	StatusMin int
	StatusMax int
	Timeout   time.Duration
}

// ReadyResult is the probe outcome. Err holds a human-readable reason when
// Ready is false; StatusCode is set for HTTP probes that got a response.
type ReadyResult struct {
	Ready      bool
	StatusCode *int
	Err        string
}

func (c *ReadyCheck) normalize() {
	if c.Mode == "" {
		c.Mode = ModeHTTP
	}
	if c.Path == "" {
		c.Path = "/"
	} else if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.StatusMin == 0 {
		c.StatusMin = 200
	}
	if c.StatusMax == 0 {
		c.StatusMax = 399
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
}

// CheckReady probes 127.0.0.1:port once. TCP mode succeeds when the dial
// does; HTTP mode additionally requires a status inside [StatusMin,
// StatusMax].
func CheckReady(ctx context.Context, check ReadyCheck) ReadyResult {
	check.normalize()

	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	addr := fmt.Sprintf("127.0.0.1:%d", check.Port)
	switch check.Mode {
	case ModeTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return ReadyResult{Err: fmt.Sprintf("dial %s: %v", addr, err)}
		}
		conn.Close()
		return ReadyResult{Ready: true}

	case ModeHTTP:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+check.Path, nil)
		if err != nil {
			return ReadyResult{Err: fmt.Sprintf("build request: %v", err)}
		}
		resp, err := readyClient.Do(req)
		if err != nil {
			return ReadyResult{Err: fmt.Sprintf("get %s: %v", addr+check.Path, err)}
		}
		resp.Body.Close()

		code := resp.StatusCode
		if code < check.StatusMin || code > check.StatusMax {
			return ReadyResult{
				StatusCode: &code,
				Err:        fmt.Sprintf("status %d outside [%d, %d]", code, check.StatusMin, check.StatusMax),
			}
		}
		return ReadyResult{Ready: true, StatusCode: &code}

	default:
		return ReadyResult{Err: fmt.Sprintf("unknown probe mode %q", check.Mode)}
	}
}

// readyClient never follows redirects so a 3xx is judged by the status
// range rather than by where it leads.
var readyClient = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}
