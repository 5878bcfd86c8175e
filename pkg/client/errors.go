package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// Error is the typed error returned by every client operation. Code is
// always set; the remaining fields are filled when the failing operation
// names them. Compare with errors.Is against the exported sentinels, or
// recover the full struct with errors.As.
type Error struct {
	Code    api.ErrorCode
	Message string

	// Op names the failed operation, e.g. "exec" or "readFile".
	Op string

	Path      string
	Port      int
	ProcessID string
	Command   string

	// Condition describes what a readiness wait was waiting for when it
	// failed: a log pattern or a port probe.
	Condition string

	// ExitCode and Logs carry the process outcome when a readiness wait
	// ends because the process exited first.
	ExitCode *int
	Logs     string

	// RetryAfter is the server-suggested delay accompanying a
	// SANDBOX_UNAVAILABLE response. The client surfaces it and never
	// retries on its own.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	code := string(e.Code)
	if code == "" {
		code = string(api.CodeUnknown)
	}
	msg := code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	return msg
}

// Is matches any *Error carrying the same code, which makes the sentinels
// below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Sentinel errors, one per wire code.
var (
	ErrFileNotFound             = &Error{Code: api.CodeFileNotFound}
	ErrPermissionDenied         = &Error{Code: api.CodePermissionDenied}
	ErrPathValidationFailed     = &Error{Code: api.CodePathValidationFailed}
	ErrInvalidPort              = &Error{Code: api.CodeInvalidPort}
	ErrPortAlreadyExposed       = &Error{Code: api.CodePortAlreadyExposed}
	ErrPortNotExposed           = &Error{Code: api.CodePortNotExposed}
	ErrInvalidPortToken         = &Error{Code: api.CodeInvalidPortToken}
	ErrSessionNotFound          = &Error{Code: api.CodeSessionNotFound}
	ErrProcessNotFound          = &Error{Code: api.CodeProcessNotFound}
	ErrProcessAlreadyExists     = &Error{Code: api.CodeProcessAlreadyExists}
	ErrCommandNotFound          = &Error{Code: api.CodeCommandNotFound}
	ErrInvalidGitURL            = &Error{Code: api.CodeInvalidGitURL}
	ErrGitAuthenticationFailed  = &Error{Code: api.CodeGitAuthenticationFailed}
	ErrGitRepositoryNotFound    = &Error{Code: api.CodeGitRepositoryNotFound}
	ErrGitBranchNotFound        = &Error{Code: api.CodeGitBranchNotFound}
	ErrGitNetworkError          = &Error{Code: api.CodeGitNetworkError}
	ErrGitCheckoutFailed        = &Error{Code: api.CodeGitCheckoutFailed}
	ErrGitCloneFailed           = &Error{Code: api.CodeGitCloneFailed}
	ErrGitOperationFailed       = &Error{Code: api.CodeGitOperationFailed}
	ErrInvalidID                = &Error{Code: api.CodeInvalidID}
	ErrCustomDomainRequired     = &Error{Code: api.CodeCustomDomainRequired}
	ErrProcessReadyTimeout      = &Error{Code: api.CodeProcessReadyTimeout}
	ErrProcessExitedBeforeReady = &Error{Code: api.CodeProcessExitedBeforeReady}
	ErrSandboxNotFound          = &Error{Code: api.CodeSandboxNotFound}
	ErrSandboxUnavailable       = &Error{Code: api.CodeSandboxUnavailable}
	ErrStreamInterrupted        = &Error{Code: api.CodeStreamInterrupted}
	ErrInternal                 = &Error{Code: api.CodeInternalError}
)

// decodeError converts a non-200 response into a typed *Error. The
// envelope's code wins; responses without one are mapped by status. A 503's
// Retry-After header is carried through verbatim.
func decodeError(op string, status int, header http.Header, body []byte) *Error {
	var env api.Response
	_ = json.Unmarshal(body, &env)

	e := &Error{Code: env.Code, Message: env.Error, Op: op}
	if e.Code == "" {
		switch {
		case status == http.StatusServiceUnavailable:
			e.Code = api.CodeSandboxUnavailable
		case status >= 500:
			e.Code = api.CodeInternalError
		default:
			e.Code = api.CodeUnknown
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	if ra := header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

// The with* helpers fill context fields on typed errors after the fact.
// Transport errors pass through unchanged.

func withCommand(err error, command string) error {
	var e *Error
	if errors.As(err, &e) && e.Command == "" {
		e.Command = command
	}
	return err
}

func withPath(err error, path string) error {
	var e *Error
	if errors.As(err, &e) && e.Path == "" {
		e.Path = path
	}
	return err
}

func withPort(err error, port int) error {
	var e *Error
	if errors.As(err, &e) && e.Port == 0 {
		e.Port = port
	}
	return err
}

func withProcess(err error, id string) error {
	var e *Error
	if errors.As(err, &e) && e.ProcessID == "" {
		e.ProcessID = id
	}
	return err
}
