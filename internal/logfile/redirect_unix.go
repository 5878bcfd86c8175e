//go:build unix && !linux

package logfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RedirectStdoutStderr points both stdout and stderr at the given file.
// This operates at the file descriptor level so it captures all output,
// including from subprocesses and C libraries.
func RedirectStdoutStderr(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	fd := int(f.Fd())
	if err := unix.Dup2(fd, int(os.Stdout.Fd())); err != nil {
		return fmt.Errorf("dup2 stdout: %w", err)
	}
	if err := unix.Dup2(fd, int(os.Stderr.Fd())); err != nil {
		return fmt.Errorf("dup2 stderr: %w", err)
	}

	return nil
}
