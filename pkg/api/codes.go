package api

// ErrorCode is a stable machine-readable error code. These form the error
// vocabulary of the whole system: servers attach them to error envelopes,
// the client maps them to typed errors, and a few are produced client-side
// only (the readiness codes). Existing values must never be renamed or
// reused.
type ErrorCode string

const (
	CodeFileNotFound             ErrorCode = "FILE_NOT_FOUND"
	CodePermissionDenied         ErrorCode = "PERMISSION_DENIED"
	CodePathValidationFailed     ErrorCode = "PATH_VALIDATION_FAILED"
	CodeInvalidPort              ErrorCode = "INVALID_PORT"
	CodePortAlreadyExposed       ErrorCode = "PORT_ALREADY_EXPOSED"
	CodePortNotExposed           ErrorCode = "PORT_NOT_EXPOSED"
	CodeInvalidPortToken         ErrorCode = "INVALID_PORT_TOKEN"
	CodeSessionNotFound          ErrorCode = "SESSION_NOT_FOUND"
	CodeProcessNotFound          ErrorCode = "PROCESS_NOT_FOUND"
	CodeProcessAlreadyExists     ErrorCode = "PROCESS_ALREADY_EXISTS"
	CodeCommandNotFound          ErrorCode = "COMMAND_NOT_FOUND"
	CodeInvalidGitURL            ErrorCode = "INVALID_GIT_URL"
	CodeGitAuthenticationFailed  ErrorCode = "GIT_AUTHENTICATION_FAILED"
	CodeGitRepositoryNotFound    ErrorCode = "GIT_REPOSITORY_NOT_FOUND"
	CodeGitBranchNotFound        ErrorCode = "GIT_BRANCH_NOT_FOUND"
	CodeGitNetworkError          ErrorCode = "GIT_NETWORK_ERROR"
	CodeGitCheckoutFailed        ErrorCode = "GIT_CHECKOUT_FAILED"
	CodeGitCloneFailed           ErrorCode = "GIT_CLONE_FAILED"
	CodeGitOperationFailed       ErrorCode = "GIT_OPERATION_FAILED"
	CodeInvalidID                ErrorCode = "INVALID_ID"
	CodeCustomDomainRequired     ErrorCode = "CUSTOM_DOMAIN_REQUIRED"
	CodeProcessReadyTimeout      ErrorCode = "PROCESS_READY_TIMEOUT"
	CodeProcessExitedBeforeReady ErrorCode = "PROCESS_EXITED_BEFORE_READY"
	CodeSandboxNotFound          ErrorCode = "SANDBOX_NOT_FOUND"
	CodeSandboxUnavailable       ErrorCode = "SANDBOX_UNAVAILABLE"
	CodeStreamInterrupted        ErrorCode = "STREAM_INTERRUPTED"
	CodeInternalError            ErrorCode = "INTERNAL_ERROR"
	CodeUnknown                  ErrorCode = "UNKNOWN_ERROR"
)
