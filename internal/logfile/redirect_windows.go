//go:build windows

package logfile

import "fmt"

// RedirectStdoutStderr requires dup2, which Windows does not have.
func RedirectStdoutStderr(path string) error {
	return fmt.Errorf("log file redirection is not supported on windows")
}
