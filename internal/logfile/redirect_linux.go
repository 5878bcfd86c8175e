//go:build linux

package logfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RedirectStdoutStderr points both stdout and stderr at the given file.
// This operates at the file descriptor level so it captures all output,
// including from subprocesses and C libraries. Linux uses dup3 because
// arm64 has no dup2 syscall.
func RedirectStdoutStderr(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	fd := int(f.Fd())
	if err := unix.Dup3(fd, int(os.Stdout.Fd()), 0); err != nil {
		return fmt.Errorf("dup3 stdout: %w", err)
	}
	if err := unix.Dup3(fd, int(os.Stderr.Fd()), 0); err != nil {
		return fmt.Errorf("dup3 stderr: %w", err)
	}

	return nil
}
