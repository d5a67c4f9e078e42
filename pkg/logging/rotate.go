package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotatingFile is an io.Writer that rolls over to a new file at each UTC
// midnight, suffixing the configured base path with -YYYY-MM-DD the way
// the original ingestion server's TimedRotatingFileHandler(when="midnight")
// did. Pass it as Config.Output to get daily log rotation.
type RotatingFile struct {
	mu      sync.Mutex
	base    string
	day     string
	file    *os.File
	nowFunc func() time.Time
}

// NewRotatingFile opens (creating directories as needed) a log file at
// base, suffixed with today's date, and rotates automatically on Write
// calls that cross a UTC day boundary.
func NewRotatingFile(base string) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	r := &RotatingFile{base: base, nowFunc: time.Now}
	if err := r.rotate(r.nowFunc().UTC()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingFile) rotate(now time.Time) error {
	day := now.Format("2006-01-02")
	f, err := os.OpenFile(r.pathFor(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", r.pathFor(day), err)
	}
	if r.file != nil {
		r.file.Close()
	}
	r.file = f
	r.day = day
	return nil
}

func (r *RotatingFile) pathFor(day string) string {
	return fmt.Sprintf("%s-%s", r.base, day)
}

// Write implements io.Writer, rotating the underlying file first if the
// UTC date has advanced since the last write.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc().UTC()
	if now.Format("2006-01-02") != r.day {
		if err := r.rotate(now); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

// Close releases the currently open file handle.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
