package handler

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gantrylabs/gantry/internal/security"
	"github.com/gantrylabs/gantry/pkg/api"
)

// previewLabel matches the first hostname label of a subdomain preview
// request: "<port>-<sandboxId>".
var previewLabel = regexp.MustCompile(`^(\d+)-([a-z0-9](?:[a-z0-9-]*[a-z0-9])?)$`)

// previewTarget identifies one preview request after parsing.
type previewTarget struct {
	port      int
	sandboxID string
	// tail is the path to forward into the service, "" meaning its root.
	tail string
	// cookiePath scopes the token cookie: the whole host for subdomain
	// previews, the /preview/{port}/{sandbox} prefix for path previews.
	cookiePath string
}

// previewIngress intercepts preview traffic ahead of API routing. Preview
// requests are recognized by hostname shape ("8080-mybox.example.com") or
// by the reserved /preview/ path prefix; everything else passes through.
func (s *Server) previewIngress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, ok := parsePreviewTarget(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		s.servePreview(w, r, t)
	})
}

func parsePreviewTarget(r *http.Request) (previewTarget, bool) {
	host := hostOnly(r.Host)
	if label, _, found := strings.Cut(host, "."); found {
		if m := previewLabel.FindStringSubmatch(strings.ToLower(label)); m != nil {
			if port, err := strconv.Atoi(m[1]); err == nil {
				return previewTarget{
					port:       port,
					sandboxID:  m[2],
					tail:       r.URL.Path,
					cookiePath: "/",
				}, true
			}
		}
	}

	if rest, found := strings.CutPrefix(r.URL.Path, "/preview/"); found {
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) >= 2 && parts[1] != "" {
			if port, err := strconv.Atoi(parts[0]); err == nil {
				t := previewTarget{
					port:       port,
					sandboxID:  parts[1],
					cookiePath: "/preview/" + parts[0] + "/" + parts[1],
				}
				if len(parts) == 3 {
					t.tail = "/" + parts[2]
				}
				return t, true
			}
		}
	}

	return previewTarget{}, false
}

// servePreview authenticates the request and proxies it into the sandbox.
// Every rejection is a uniform 401 so probing reveals nothing about which
// sandboxes or ports exist.
func (s *Server) servePreview(w http.ResponseWriter, r *http.Request, t previewTarget) {
	if !security.ValidatePort(t.port, s.cfg.ControlPlanePort) {
		s.fail(w, http.StatusUnauthorized, api.CodeInvalidPortToken, "invalid or missing preview token")
		return
	}

	inst, err := s.manager.Instance(r.Context(), t.sandboxID)
	if err != nil {
		s.fail(w, http.StatusUnauthorized, api.CodeInvalidPortToken, "invalid or missing preview token")
		return
	}

	token, fromHeader := previewToken(r, t.port)
	if token == "" || !inst.ValidatePortToken(r.Context(), t.port, token) {
		s.fail(w, http.StatusUnauthorized, api.CodeInvalidPortToken, "invalid or missing preview token")
		return
	}

	// A browser authenticates its first navigation with the bearer token
	// from the preview URL; the cookie carries the follow-up asset and
	// XHR requests that cannot set headers.
	if fromHeader {
		http.SetCookie(w, &http.Cookie{
			Name:     previewCookieName(t.port),
			Value:    token,
			Path:     t.cookiePath,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   r.TLS != nil,
		})
	}

	target := "/proxy/" + strconv.Itoa(t.port) + t.tail
	if err := inst.Proxy(w, r, target); err != nil {
		s.containerError(w, err)
	}
}

// previewToken extracts the caller's token and reports whether it arrived
// in the Authorization header rather than the cookie.
func previewToken(r *http.Request, port int) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, found := strings.CutPrefix(auth, "Bearer "); found {
			return strings.TrimSpace(tok), true
		}
	}
	if c, err := r.Cookie(previewCookieName(port)); err == nil {
		return c.Value, false
	}
	return "", false
}

func previewCookieName(port int) string {
	return fmt.Sprintf("gantry_preview_%d", port)
}

// hostOnly strips the port from a Host header value.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
