// Package logging provides zerolog setup and the rotating tool output log.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxSizeMB  = 20
	defaultMaxBackups = 3
)

// RotatingWriter is the "output channel" of kbrunner: raw stdout of every
// external tool invocation is appended here. The file is rotated once it
// would exceed maxSizeMB, keeping maxBackups numbered copies.
type RotatingWriter struct {
	path       string
	maxSizeMB  int
	maxBackups int
	file       *os.File
	size       int64
	mu         sync.Mutex
}

// NewRotatingWriter opens (or creates) the log at path.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB < 1 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups < 1 {
		maxBackups = defaultMaxBackups
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating output log directory: %w", err)
	}

	rw := &RotatingWriter{
		path:       path,
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// Path returns the active log file path.
func (rw *RotatingWriter) Path() string {
	return rw.path
}

// Write implements io.Writer.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.writeLocked(p)
}

// Section writes a timestamped header that separates one tool invocation
// from the next.
func (rw *RotatingWriter) Section(title string) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	header := fmt.Sprintf("\n===== %s %s =====\n", time.Now().Format(time.RFC3339), strings.TrimSpace(title))
	_, err := rw.writeLocked([]byte(header))
	return err
}

// Close closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

func (rw *RotatingWriter) writeLocked(p []byte) (int, error) {
	if rw.file == nil {
		return 0, fmt.Errorf("output log %s is closed", rw.path)
	}
	if rw.size+int64(len(p)) > int64(rw.maxSizeMB)*1024*1024 {
		if err := rw.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "output log rotation failed: %v\n", err)
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("opening output log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat output log: %w", err)
	}

	rw.file = f
	rw.size = info.Size()
	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1 and
// starts a fresh one. Copies beyond maxBackups are removed.
func (rw *RotatingWriter) rotate() error {
	if rw.file != nil {
		rw.file.Close()
		rw.file = nil
	}

	for i := rw.maxBackups - 1; i >= 1; i-- {
		os.Rename(rw.backupName(i), rw.backupName(i+1))
	}

	if err := os.Rename(rw.path, rw.backupName(1)); err != nil && !os.IsNotExist(err) {
		return rw.open()
	}
	os.Remove(rw.backupName(rw.maxBackups + 1))

	return rw.open()
}

func (rw *RotatingWriter) backupName(n int) string {
	return fmt.Sprintf("%s.%d", rw.path, n)
}
