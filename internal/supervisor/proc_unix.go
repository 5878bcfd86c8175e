//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup places the child in its own process group so that
// signals reach the whole tree the shell spawns, not just the shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGTERM)
}

func killGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}

// exitCodeFromError extracts the exit code from a Wait error. A
// signal-terminated process reports the conventional 128+signal code.
func exitCodeFromError(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}

// detectShell picks the shell used for command lines.
func detectShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	for _, sh := range []string{"/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return "sh"
}

func shellArgs(command string) []string {
	return []string{"-c", command}
}
