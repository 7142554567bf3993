package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const rotatedTimeFormat = "20060102-150405.000"

// RotatingWriter is an io.WriteCloser that rotates a log file by size.
// Rotated files are renamed to <base>-<timestamp><ext>; at most maxBackups
// of them are kept and files older than maxAgeDays are removed.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	maxBytes   int64
	maxBackups int
	maxAgeDays int
	now        func() time.Time
	cleanups   sync.WaitGroup
}

// NewRotatingWriter opens path for appending, creating it and its directory
// if needed. A maxSizeMB of zero or less disables rotation.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:       path,
		maxBytes:   int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAgeDays: maxAgeDays,
		now:        time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write implements io.Writer. A write that would push the file past its
// size limit rotates first; a single oversized entry still lands whole in
// the fresh file.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.maxBytes > 0 && rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the file and waits for any pending cleanup of old backups.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	var err error
	if rw.file != nil {
		err = rw.file.Close()
		rw.file = nil
	}
	rw.mu.Unlock()

	rw.cleanups.Wait()
	return err
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	rw.file = nil

	base, ext := rw.nameParts()
	rotated := fmt.Sprintf("%s-%s%s", base, rw.now().Format(rotatedTimeFormat), ext)
	if err := os.Rename(rw.path, rotated); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}

	if err := rw.open(); err != nil {
		return err
	}

	rw.cleanups.Add(1)
	go func() {
		defer rw.cleanups.Done()
		rw.cleanup()
	}()
	return nil
}

// nameParts splits the log path into the prefix and extension used for
// rotated names. Files without an extension rotate to .log.
func (rw *RotatingWriter) nameParts() (string, string) {
	ext := filepath.Ext(rw.path)
	base := strings.TrimSuffix(rw.path, ext)
	if ext == "" {
		ext = ".log"
	}
	return base, ext
}

// backups returns rotated files, oldest first.
func (rw *RotatingWriter) backups() ([]string, error) {
	base, ext := rw.nameParts()
	dir := filepath.Dir(rw.path)
	prefix := filepath.Base(base) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == filepath.Base(rw.path) {
			continue
		}
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			rotated = append(rotated, filepath.Join(dir, name))
		}
	}
	// Timestamps sort lexically.
	sort.Strings(rotated)
	return rotated, nil
}

func (rw *RotatingWriter) cleanup() {
	rotated, err := rw.backups()
	if err != nil {
		return
	}

	if rw.maxBackups > 0 {
		for len(rotated) > rw.maxBackups {
			os.Remove(rotated[0]) //nolint:errcheck
			rotated = rotated[1:]
		}
	}

	if rw.maxAgeDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -rw.maxAgeDays)
	for _, path := range rotated {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path) //nolint:errcheck
		}
	}
}
