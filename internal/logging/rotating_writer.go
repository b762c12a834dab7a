// Package logging builds the component loggers used across chatflowd and the
// rotating file writer behind them.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends to <prefix>-YYYY-MM-DD[-N]<ext> next to BasePath. A new
// file starts each UTC day and whenever a write would push the current file past
// MaxBytes (N counts from 2 within a day). BasePath itself is kept as a symlink
// to the active file.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	now   func() time.Time
	mu    sync.Mutex
	date  string
	index int
	file  *os.File
	size  int64
}

// NewRotatingWriter opens the writer for basePath. "-" disables file output.
// maxBytes <= 0 disables size-based rollover.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	return newRotatingWriter(basePath, maxBytes, time.Now)
}

func newRotatingWriter(basePath string, maxBytes int64, now func() time.Time) (io.WriteCloser, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" || basePath == "-" {
		return nopWriteCloser{io.Discard}, nil
	}
	w := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, now: now}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the active file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotate(incoming int64) error {
	today := w.now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.date != today:
		w.date, w.index = today, 1
	case w.MaxBytes > 0 && w.size > 0 && w.size+incoming > w.MaxBytes:
		w.index++
	default:
		return nil
	}
	return w.open()
}

// fileName returns the dated file for the current date and index.
func (w *RotatingWriter) fileName() string {
	dir, name := filepath.Split(w.BasePath)
	ext := filepath.Ext(name)
	prefix := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	if w.index > 1 {
		return filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", prefix, w.date, w.index, ext))
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, w.date, ext))
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	path := w.fileName()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	w.file = f
	w.link(path)
	return nil
}

// link points BasePath at target. Failures are ignored; the dated file is authoritative.
func (w *RotatingWriter) link(target string) {
	if dest, err := os.Readlink(w.BasePath); err == nil && dest == target {
		return
	}
	_ = os.Remove(w.BasePath)
	_ = os.Symlink(target, w.BasePath)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
