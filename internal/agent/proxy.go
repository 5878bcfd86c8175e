package agent

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylabs/gantry/internal/security"
	"github.com/gantrylabs/gantry/pkg/api"
)

// Proxy handles /proxy/{port}/* by forwarding the request to the same port
// on loopback. The control-plane port itself is refused; agent routes are
// reached directly, never through the proxy.
func (s *Server) Proxy(w http.ResponseWriter, r *http.Request) {
	portStr := chi.URLParam(r, "port")
	port, err := strconv.Atoi(portStr)
	if err != nil || !security.ValidatePort(port, s.cfg.ControlPlanePort) {
		s.fail(w, http.StatusBadRequest, api.CodeInvalidPort,
			fmt.Sprintf("port %q cannot be proxied", portStr))
		return
	}

	prefix := "/proxy/" + portStr
	targetHost := "127.0.0.1:" + portStr

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = targetHost
			req.URL.Path = strings.TrimPrefix(req.URL.Path, prefix)
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
			req.Host = targetHost
			req.Header.Set("X-Forwarded-Path", r.URL.Path)
			req.Header.Set("X-Forwarded-Host", r.Host)
			req.Header.Set("X-Forwarded-Proto", "http")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("proxy upstream error", "port", port, "error", err)
			s.fail(w, http.StatusBadGateway, "",
				fmt.Sprintf("no service answered on port %d", port))
		},
		// Flush immediately so streaming responses pass through.
		FlushInterval: -1,
	}

	proxy.ServeHTTP(w, r)
}
