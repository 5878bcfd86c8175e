// Package security holds the input validation predicates applied to every
// piece of untrusted input before it reaches process spawn, filesystem, or
// network APIs. Handlers must route user-supplied ports, ids, paths, and
// git URLs through these functions rather than validating inline.
package security

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// User ports only. The control-plane port itself is additionally excluded
// at call time.
const (
	MinPort = 1024
	MaxPort = 65535
)

// MaxSandboxIDLength is the DNS label limit; sandbox ids become URL
// subdomains so they must remain valid labels.
const MaxSandboxIDLength = 63

// DefaultReservedSandboxIDs are ids that collide with well-known subdomains
// and are rejected regardless of shape. Deployments can extend the set via
// the policy file.
var DefaultReservedSandboxIDs = []string{
	"www", "api", "admin", "app", "mail", "ftp", "root", "test",
	"staging", "preview", "localhost",
}

var sandboxIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidatePort reports whether port is acceptable for exposure: a user port
// in [MinPort, MaxPort] that is not the control plane's own port.
func ValidatePort(port, controlPlanePort int) bool {
	return port >= MinPort && port <= MaxPort && port != controlPlanePort
}

// SanitizeSandboxID trims surrounding whitespace and verifies that id is a
// usable DNS label: 1-63 chars of lowercase alphanumerics and hyphens, with
// no leading or trailing hyphen, and not in the default reserved set.
func SanitizeSandboxID(id string) (string, error) {
	return SanitizeSandboxIDReserved(id, nil)
}

// SanitizeSandboxIDReserved is SanitizeSandboxID with extra reserved ids on
// top of the default set.
func SanitizeSandboxIDReserved(id string, extra []string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("sandbox id is empty")
	}
	if len(id) > MaxSandboxIDLength {
		return "", fmt.Errorf("sandbox id exceeds %d characters", MaxSandboxIDLength)
	}
	if !sandboxIDPattern.MatchString(id) {
		return "", fmt.Errorf("sandbox id %q must contain only lowercase letters, digits, and hyphens, and must not start or end with a hyphen", id)
	}
	for _, r := range DefaultReservedSandboxIDs {
		if id == r {
			return "", fmt.Errorf("sandbox id %q is reserved", id)
		}
	}
	for _, r := range extra {
		if id == strings.ToLower(strings.TrimSpace(r)) {
			return "", fmt.Errorf("sandbox id %q is reserved", id)
		}
	}
	return id, nil
}

// ValidatePath normalizes p (dropping "." segments, collapsing repeated
// slashes, resolving ".." without escaping the filesystem root) and reports
// whether the result stays under root. Relative paths are resolved against
// root. The normalized path is returned either way so callers can log it.
func ValidatePath(p, root string) (string, bool) {
	if p == "" || root == "" {
		return "", false
	}
	if !path.IsAbs(p) {
		p = path.Join(root, p)
	}
	clean := path.Clean(p)
	root = path.Clean(root)
	if clean == root || strings.HasPrefix(clean, root+"/") {
		return clean, true
	}
	return clean, false
}

// Characters that would let a repository URL smuggle shell syntax into a
// spawned git invocation.
const shellMetaChars = ";&|`$<>(){}[]'\"\\ \t\n\r"

var scpSyntaxPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+@([a-zA-Z0-9.-]+):[a-zA-Z0-9._/~-]+$`)

// ValidateGitURL checks that u is a clone-safe repository URL: https or ssh
// scheme (scp-style "git@host:path" counts as ssh), no shell
// metacharacters, and a host on the allowlist when one is configured. An
// empty allowlist permits any host.
func ValidateGitURL(u string, allowedHosts []string) error {
	u = strings.TrimSpace(u)
	if u == "" {
		return fmt.Errorf("repository URL is empty")
	}
	if strings.ContainsAny(u, shellMetaChars) {
		return fmt.Errorf("repository URL contains forbidden characters")
	}

	var host string
	if m := scpSyntaxPattern.FindStringSubmatch(u); m != nil {
		host = m[1]
	} else {
		parsed, err := url.Parse(u)
		if err != nil {
			return fmt.Errorf("repository URL is not parseable: %w", err)
		}
		switch parsed.Scheme {
		case "https", "ssh":
		default:
			return fmt.Errorf("repository URL scheme %q is not allowed (https or ssh only)", parsed.Scheme)
		}
		host = parsed.Hostname()
		if host == "" {
			return fmt.Errorf("repository URL has no host")
		}
	}

	if len(allowedHosts) > 0 && !hostAllowed(host, allowedHosts) {
		return fmt.Errorf("repository host %q is not on the allowlist", host)
	}
	return nil
}

func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

var userinfoPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/@\s]+@`)

// RedactCredentials replaces the userinfo component of every URL in s with a
// fixed mask so credentials embedded in clone URLs never reach logs or error
// messages. Works on bare URLs and on free text such as git stderr output.
func RedactCredentials(s string) string {
	return userinfoPattern.ReplaceAllString(s, "${1}******@")
}
