package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Policy is the operator-tunable security policy. It extends the built-in
// rules; it can never relax them. The file is optional and hot-reloaded.
type Policy struct {
	// ReservedSandboxIDs are rejected in addition to the built-in set.
	ReservedSandboxIDs []string `yaml:"reserved_sandbox_ids"`
	// BlockedPreviewHosts are hostname patterns on which subdomain preview
	// routing is unavailable, e.g. "*.workers.dev". Exposing a port with a
	// matching hostname is rejected.
	BlockedPreviewHosts []string `yaml:"blocked_preview_hosts"`
	// GitAllowedHosts restricts clone targets when non-empty.
	GitAllowedHosts []string `yaml:"git_allowed_hosts"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	return &Policy{
		BlockedPreviewHosts: []string{"*.workers.dev"},
	}
}

// LoadPolicy reads and validates a policy file. Defaults are merged in, so
// a file can never clear the built-in blocked hosts.
func LoadPolicy(path string) (*Policy, error) {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}

	p := &Policy{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	p.BlockedPreviewHosts = append(p.BlockedPreviewHosts, DefaultPolicy().BlockedPreviewHosts...)

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}
	return p, nil
}

// Validate checks the policy for errors.
func (p *Policy) Validate() error {
	for _, pattern := range p.BlockedPreviewHosts {
		if !IsValidDomainPattern(pattern) {
			return fmt.Errorf("invalid blocked preview host pattern: %s", pattern)
		}
	}
	for _, host := range p.GitAllowedHosts {
		if host == "" || strings.ContainsAny(host, "/@: ") {
			return fmt.Errorf("invalid git allowed host: %q", host)
		}
	}
	return nil
}

// HostBlocked reports whether hostname matches one of the blocked preview
// host patterns. The port part of a host:port value is ignored.
func (p *Policy) HostBlocked(hostname string) bool {
	hostname = strings.ToLower(hostname)
	if i := strings.LastIndex(hostname, ":"); i >= 0 && !strings.Contains(hostname[i:], "]") {
		hostname = hostname[:i]
	}
	for _, pattern := range p.BlockedPreviewHosts {
		if matchDomainPattern(pattern, hostname) {
			return true
		}
	}
	return false
}

// IsValidDomainPattern validates a domain pattern. A single leading "*."
// or trailing ".*" wildcard is allowed.
func IsValidDomainPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	for _, c := range pattern {
		if !isValidDomainChar(c) && c != '*' {
			return false
		}
	}
	if strings.Contains(pattern, "*") {
		if !strings.HasPrefix(pattern, "*.") &&
			!strings.HasSuffix(pattern, ".*") {
			return false
		}
		if strings.Count(pattern, "*") > 1 {
			return false
		}
	}
	return true
}

func isValidDomainChar(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '.'
}

// matchDomainPattern matches hostname against a validated pattern. "*.x"
// matches both "x" and any subdomain of "x".
func matchDomainPattern(pattern, hostname string) bool {
	pattern = strings.ToLower(pattern)
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[2:]
		return hostname == suffix || strings.HasSuffix(hostname, "."+suffix)
	case strings.HasSuffix(pattern, ".*"):
		prefix := pattern[:len(pattern)-2]
		return hostname == prefix || strings.HasPrefix(hostname, prefix+".")
	default:
		return hostname == pattern
	}
}

// watchDebounce coalesces the burst of fsnotify events an editor produces
// for a single save.
const watchDebounce = 200 * time.Millisecond

// WatchPolicy watches the policy file and invokes apply with each
// successfully loaded version until ctx is done. Load failures go to
// report and keep the previous policy in effect. The parent directory is
// watched because editors typically replace the file rather than write it
// in place.
func WatchPolicy(ctx context.Context, path string, apply func(*Policy), report func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy directory: %w", err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					timerC = timer.C
				} else {
					timer.Reset(watchDebounce)
				}
			case <-timerC:
				p, err := LoadPolicy(path)
				if err != nil {
					report(err)
					continue
				}
				apply(p)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(err)
			}
		}
	}()

	return nil
}
