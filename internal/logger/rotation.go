package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102-150405.000"

// RotatingWriter appends to a log file and moves it aside once it would
// grow past the size limit. Backups older than the age limit are pruned.
// It is safe for concurrent use.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	maxAge   time.Duration
	compress bool

	file *os.File
	size int64

	// compression and pruning run in the background; Close waits for them
	bg sync.WaitGroup
}

// NewRotatingWriter opens filename for appending. maxSizeMB of zero rotates
// before every write to a non-empty file; maxAgeDays of zero keeps every
// backup.
func NewRotatingWriter(filename string, maxSizeMB int, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:     filename,
		maxBytes: int64(maxSizeMB) << 20,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		compress: compress,
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.background(w.prune)
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would overflow a non-empty file
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending compression and pruning
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.bg.Wait()
	return err
}

// rotate must be called with the lock held
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.path + "." + time.Now().Format(backupTimeFormat)
	if err := os.Rename(w.path, backup); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	if w.compress {
		w.background(func() { _ = compressFile(backup) })
	}
	w.background(w.prune)
	return nil
}

func (w *RotatingWriter) background(fn func()) {
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		fn()
	}()
}

// prune deletes backups, compressed or not, last modified before the age
// limit
func (w *RotatingWriter) prune() {
	if w.maxAge <= 0 {
		return
	}

	backups, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-w.maxAge)
	for _, backup := range backups {
		info, err := os.Stat(backup)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(backup)
		if !strings.HasSuffix(backup, ".gz") {
			_ = os.Remove(backup + ".gz")
		}
	}
}

// compressFile gzips path to path.gz and removes path
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}
