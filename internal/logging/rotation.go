package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxSize    = int64(50 * 1024 * 1024)
	defaultMaxBackups = 3
)

// rotatingWriter is an io.Writer that rotates the log file once it grows
// past maxSize, keeping at most maxBackups timestamped backups.
type rotatingWriter struct {
	filename   string
	maxSize    int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newRotatingWriter(filename string, cfg *RotationConfig) (io.Writer, error) {
	w := &rotatingWriter{
		filename:   filename,
		maxSize:    defaultMaxSize,
		maxBackups: defaultMaxBackups,
	}
	if cfg != nil && cfg.MaxBackups > 0 {
		w.maxBackups = cfg.MaxBackups
	}
	if cfg != nil && cfg.MaxSize != "" {
		size, err := parseSize(cfg.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("invalid max_size: %w", err)
		}
		w.maxSize = size
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) open() error {
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	ext := filepath.Ext(w.filename)
	base := strings.TrimSuffix(w.filename, ext)
	backup := fmt.Sprintf("%s.%s%s", base, time.Now().Format("20060102-150405"), ext)
	if err := os.Rename(w.filename, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	w.pruneBackups()
	return w.open()
}

// pruneBackups removes the oldest backups beyond maxBackups.
func (w *rotatingWriter) pruneBackups() {
	ext := filepath.Ext(w.filename)
	base := strings.TrimSuffix(w.filename, ext)
	matches, err := filepath.Glob(base + ".*" + ext)
	if err != nil {
		return
	}
	var backups []string
	for _, m := range matches {
		if m != w.filename {
			backups = append(backups, m)
		}
	}
	sort.Strings(backups) // timestamped names sort chronologically
	for len(backups) > w.maxBackups {
		_ = os.Remove(backups[0])
		backups = backups[1:]
	}
}

// parseSize parses a size string like "100MB" into bytes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier, s = 1024, strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "MB"):
		multiplier, s = 1024*1024, strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		multiplier, s = 1024*1024*1024, strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	var n int64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n); err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
