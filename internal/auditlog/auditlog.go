// Package auditlog appends whole-home power readings to a CSV file.
package auditlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimestampLayout is the layout of the first column: an ISO-8601 local date
// and time with microseconds, using a space instead of "T" between date and
// time (the RFC 3339 variant). Rows already in existing logs use this form,
// so appended rows keep it.
const TimestampLayout = "2006-01-02 15:04:05.000000"

var header = []string{"Timestamp", "power"}

// Log is an append-only CSV of (timestamp, watts) rows. The header is
// written once when the file is created; existing content is never rewritten.
type Log struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	last time.Time
}

// New creates a log writing to path
func New(path string, logger *zap.Logger) *Log {
	return &Log{
		path:   path,
		logger: logger.Named("auditlog"),
	}
}

// Path returns the file the log appends to
func (l *Log) Path() string {
	return l.path
}

// Append writes one row for a reading taken at ts. A reading that is not
// newer than the last written one is skipped, so a cached snapshot is
// logged only once. It reports whether a row was written.
func (l *Log) Append(ts time.Time, watts int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !ts.After(l.last) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	created := false
	if _, err := os.Stat(l.path); errors.Is(err, fs.ErrNotExist) {
		created = true
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if created {
		if err := w.Write(header); err != nil {
			return false, fmt.Errorf("failed to write audit log header: %w", err)
		}
		l.logger.Info("Created audit log", zap.String("path", l.path))
	}

	row := []string{ts.Format(TimestampLayout), strconv.Itoa(watts)}
	if err := w.Write(row); err != nil {
		return false, fmt.Errorf("failed to write audit log row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return false, fmt.Errorf("failed to flush audit log: %w", err)
	}

	l.last = ts
	l.logger.Debug("CSV output", zap.String("timestamp", row[0]), zap.Int("power", watts))
	return true, nil
}
