package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig controls size-based log rotation.
type RotationConfig struct {
	// MaxSizeMB triggers rotation; 0 disables it.
	MaxSizeMB int
	// MaxBackups is how many rotated files to keep.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// DefaultRotationConfig returns the rotation used when none is configured.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{MaxSizeMB: 10, MaxBackups: 3}
}

// RotatingWriter is an io.WriteCloser over a file that is renamed to
// path.1, path.2, ... once it grows past the configured size.
type RotatingWriter struct {
	mu     sync.Mutex
	path   string
	cfg    RotationConfig
	file   *os.File
	size   int64
	gzipWG sync.WaitGroup
}

// NewRotatingWriter opens path for appending, creating parent directories.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	rw := &RotatingWriter{path: path, cfg: cfg}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(rw.path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file, rw.size = f, info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past the limit.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	limit := int64(rw.cfg.MaxSizeMB) << 20
	if limit > 0 && rw.size > 0 && rw.size+int64(len(p)) > limit {
		if err := rw.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "coedit: log rotation failed: %v\n", err)
			if rw.file == nil {
				return 0, err
			}
		}
	}
	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// rotate must be called with mu held.
func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return err
	}
	rw.file = nil

	if rw.cfg.MaxBackups <= 0 {
		if err := os.Remove(rw.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return rw.open()
	}

	for _, suffix := range []string{"", ".gz"} {
		_ = os.Remove(rw.backup(rw.cfg.MaxBackups) + suffix)
	}
	for i := rw.cfg.MaxBackups - 1; i >= 1; i-- {
		for _, suffix := range []string{"", ".gz"} {
			_ = os.Rename(rw.backup(i)+suffix, rw.backup(i+1)+suffix)
		}
	}

	first := rw.backup(1)
	if err := os.Rename(rw.path, first); err != nil {
		if openErr := rw.open(); openErr != nil {
			return openErr
		}
		return err
	}
	if rw.cfg.Compress {
		rw.gzipWG.Add(1)
		go func() {
			defer rw.gzipWG.Done()
			if err := gzipFile(first); err != nil {
				fmt.Fprintf(os.Stderr, "coedit: compress %s: %v\n", first, err)
			}
		}()
	}
	return rw.open()
}

func (rw *RotatingWriter) backup(n int) string {
	return fmt.Sprintf("%s.%d", rw.path, n)
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Close waits for pending compression and closes the file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	rw.gzipWG.Wait()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// Size returns the current file size in bytes.
func (rw *RotatingWriter) Size() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.size
}
