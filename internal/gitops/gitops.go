// Package gitops runs repository checkouts with the git CLI and maps git's
// stderr onto the stable git error codes. Credentials embedded in clone URLs
// are redacted before anything is logged or returned.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gantrylabs/gantry/internal/logger"
	"github.com/gantrylabs/gantry/internal/security"
	"github.com/gantrylabs/gantry/pkg/api"
)

// DefaultTimeout bounds a single clone when the caller does not supply one.
const DefaultTimeout = 5 * time.Minute

// CloneSpec describes one clone operation. TargetDir must already be
// validated against the workspace root by the caller.
type CloneSpec struct {
	RepoURL   string
	Branch    string
	Depth     int
	TargetDir string
	Timeout   time.Duration
}

// Result is a successful clone. Output combines stdout and stderr in the
// order git produced them within each stream, credentials redacted.
type Result struct {
	Output    string
	ExitCode  int
	TargetDir string
}

// Error is a failed git operation carrying the classified code, the exit
// code, and git's stderr with credentials redacted.
type Error struct {
	Code     api.ErrorCode
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	if line := fatalLine(e.Stderr); line != "" {
		return fmt.Sprintf("git clone failed: %s", line)
	}
	return fmt.Sprintf("git clone failed with exit code %d", e.ExitCode)
}

// Runner executes git commands. URL validation happens at the API boundary;
// the runner assumes RepoURL has already passed ValidateGitURL.
type Runner struct {
	log *logger.Logger
}

func NewRunner(log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{log: log}
}

// Clone runs git clone per spec. Interactive credential prompts are
// disabled so a missing-auth clone fails instead of hanging.
func (r *Runner) Clone(ctx context.Context, spec CloneSpec) (*Result, error) {
	if spec.TargetDir == "" {
		return nil, fmt.Errorf("clone target directory is empty")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"clone"}
	if spec.Branch != "" {
		args = append(args, "--branch", spec.Branch)
	}
	if spec.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(spec.Depth))
	}
	args = append(args, "--", spec.RepoURL, spec.TargetDir)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_SSH_COMMAND=ssh -o BatchMode=yes",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	redactedURL := security.RedactCredentials(spec.RepoURL)
	r.log.Debug("cloning repository", "url", redactedURL, "target", spec.TargetDir)

	err := cmd.Run()
	redactedStderr := security.RedactCredentials(stderr.String())

	if err == nil {
		r.log.Info("repository cloned", "url", redactedURL, "target", spec.TargetDir)
		return &Result{
			Output:    combineOutput(stdout.String(), redactedStderr),
			ExitCode:  0,
			TargetDir: spec.TargetDir,
		}, nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		// git itself could not be started
		r.log.Error("git unavailable", "error", err)
		return nil, &Error{
			Code:     api.CodeGitOperationFailed,
			ExitCode: -1,
			Stderr:   err.Error(),
		}
	}

	code := Classify(redactedStderr)
	if ctx.Err() == context.DeadlineExceeded {
		code = api.CodeGitNetworkError
		if redactedStderr == "" {
			redactedStderr = fmt.Sprintf("clone timed out after %s", timeout)
		}
	}

	r.log.Warn("clone failed",
		"url", redactedURL,
		"code", string(code),
		"exitCode", exitErr.ExitCode(),
		"stderr", fatalLine(redactedStderr))
	return nil, &Error{
		Code:     code,
		ExitCode: exitErr.ExitCode(),
		Stderr:   redactedStderr,
	}
}

// Classify maps git stderr text to an error code. Checks run in priority
// order because real messages often match more than one family.
func Classify(stderr string) api.ErrorCode {
	s := strings.ToLower(stderr)
	switch {
	case containsAny(s,
		"authentication failed",
		"could not read username",
		"could not read password",
		"invalid username or password",
		"permission denied (publickey)",
		"terminal prompts disabled",
		"returned error: 403"):
		return api.CodeGitAuthenticationFailed
	case containsAny(s,
		"repository not found",
		"does not exist",
		"does not appear to be a git repository",
		"returned error: 404"):
		return api.CodeGitRepositoryNotFound
	case containsAny(s,
		"not found in upstream",
		"couldn't find remote ref"):
		return api.CodeGitBranchNotFound
	case containsAny(s,
		"could not resolve host",
		"unable to access",
		"connection refused",
		"connection timed out",
		"network is unreachable",
		"failed to connect",
		"operation timed out",
		"early eof",
		"remote end hung up"):
		return api.CodeGitNetworkError
	case strings.Contains(s, "already exists and is not an empty directory"):
		return api.CodeGitCheckoutFailed
	default:
		return api.CodeGitCloneFailed
	}
}

// RepoName derives the default clone directory name from a repository URL:
// the last path segment with any ".git" suffix removed.
func RepoName(rawURL string) string {
	s := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	s = strings.TrimSuffix(s, ".git")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	if s == "" || s == "." || s == ".." {
		return "repo"
	}
	return s
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// fatalLine picks the most useful line of stderr for a one-line summary:
// the first "fatal:" line if present, otherwise the first non-empty line.
func fatalLine(stderr string) string {
	var first string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "fatal:") {
			return line
		}
		if first == "" {
			first = line
		}
	}
	return first
}

func combineOutput(stdout, stderr string) string {
	stdout = strings.TrimSpace(stdout)
	stderr = strings.TrimSpace(stderr)
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}
