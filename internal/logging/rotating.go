// internal/logging/rotating.go
package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultKeep is used when NewRotatingWriter is given keep < 1.
const DefaultKeep = 5

// RotatingWriter appends to a log file and rotates it once a write would
// take it past maxSize bytes. Rotated files are named path.1.gz (newest)
// through path.<keep>.gz. A file that fails to compress is kept as
// path.N without the suffix.
type RotatingWriter struct {
	path    string
	maxSize int64
	keep    int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingWriter opens path for appending, keeping at most keep
// rotated files.
func NewRotatingWriter(path string, maxSize int64, keep int) (*RotatingWriter, error) {
	if keep < 1 {
		keep = DefaultKeep
	}
	w := &RotatingWriter{path: path, maxSize: maxSize, keep: keep}
	if err := w.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open(mode int) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|mode, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A single oversized write still lands in a fresh file.
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotating log: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (w *RotatingWriter) name(i int, suffix string) string {
	return fmt.Sprintf("%s.%d%s", w.path, i, suffix)
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.shift()
	if err := w.archive(); err != nil {
		return err
	}
	return w.open(os.O_TRUNC)
}

// shift drops the oldest rotated file and renumbers the rest, freeing
// slot 1.
func (w *RotatingWriter) shift() {
	for _, suffix := range []string{".gz", ""} {
		os.Remove(w.name(w.keep, suffix))
		for i := w.keep - 1; i >= 1; i-- {
			os.Rename(w.name(i, suffix), w.name(i+1, suffix))
		}
	}
}

// archive moves the current file into slot 1.
func (w *RotatingWriter) archive() error {
	dst := w.name(1, ".gz")
	if err := gzipFile(w.path, dst); err != nil {
		os.Remove(dst)
		return os.Rename(w.path, w.name(1, ""))
	}
	return os.Remove(w.path)
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
