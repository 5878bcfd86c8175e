package logfile

import (
	"fmt"
	"io"
	"os"
)

const (
	maxSize  = 1024 * 1024 // 1 MB
	keepSize = 64 * 1024   // 64 KB
)

// Truncate rewrites the log file to its last keepSize bytes once it grows
// past maxSize, so repeated daemon restarts cannot fill the disk.
func Truncate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // nothing to truncate
	}
	if info.Size() <= maxSize {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file for truncation: %w", err)
	}

	seekPos := info.Size() - keepSize
	if seekPos < 0 {
		seekPos = 0
	}
	if _, err := f.Seek(seekPos, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek in log file: %w", err)
	}

	tail, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read log file tail: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recreate log file: %w", err)
	}
	defer out.Close()

	header := fmt.Sprintf("=== log truncated, kept last %d of %d bytes ===\n", len(tail), info.Size())
	if _, err := out.WriteString(header); err != nil {
		return fmt.Errorf("write truncation header: %w", err)
	}
	if _, err := out.Write(tail); err != nil {
		return fmt.Errorf("write log tail: %w", err)
	}

	return nil
}
