package controlplane

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gantrylabs/gantry/internal/config"
)

// ErrCustomDomainRequired is returned when the preview hostname matches a
// blocked wildcard pattern such as "*.workers.dev". Those platforms do not
// route arbitrary sub-subdomains, so port exposure there needs a custom
// domain instead.
var ErrCustomDomainRequired = errors.New("subdomain preview routing is not available on this hostname, configure a custom domain")

// PreviewURL builds the outward URL for an exposed port.
//
// Non-local hostnames get the subdomain form
// https://<port>-<sandboxId>.<host>. Localhost and loopback addresses
// cannot carry subdomains, so they get the path form
// http://<host>/preview/<port>/<sandboxId> instead.
func PreviewURL(host string, port int, sandboxID string, policy *config.Policy) (string, error) {
	host = stripScheme(strings.TrimSpace(host))
	if host == "" {
		return "", fmt.Errorf("no hostname available for preview URLs")
	}
	if policy != nil && policy.HostBlocked(host) {
		return "", ErrCustomDomainRequired
	}
	if isLocalHost(host) {
		return fmt.Sprintf("http://%s/preview/%d/%s", host, port, sandboxID), nil
	}
	return fmt.Sprintf("https://%d-%s.%s", port, sandboxID, host), nil
}

// stripScheme tolerates base URLs given as full URLs: the scheme and any
// path after the host are dropped.
func stripScheme(host string) string {
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return host
}

// isLocalHost reports whether host (optionally host:port) names the local
// machine: "localhost", one of its subdomains, or a loopback IP.
func isLocalHost(host string) bool {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	hostname = strings.ToLower(strings.Trim(hostname, "[]"))
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
