package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Connect opens a WebSocket through the sandbox's tunnel route. A numeric
// portOrPath such as "8080" or "8080/socket" reaches a server inside the
// container; a non-numeric one addresses the agent's own routes. Extra
// header values are sent with the upgrade request; a query string after
// "?" is preserved. The daemon validates the port and never parses frames.
func (s *Sandbox) Connect(ctx context.Context, portOrPath string, header http.Header) (*websocket.Conn, error) {
	target, query, _ := strings.Cut(strings.TrimPrefix(portOrPath, "/"), "?")

	u, err := url.Parse(s.c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + s.path("/connect/"+target)
	u.RawQuery = query

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			payload, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return nil, decodeError("connect", resp.StatusCode, resp.Header, payload)
		}
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conn, nil
}
