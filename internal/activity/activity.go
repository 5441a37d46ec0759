// Package activity is a reference contracts.ActivityLog: it appends one
// JSON line per event to a file under a data directory. Grounded on the
// teacher's internal/audit package - a named Entry struct and a
// log-and-swallow Write that must never break the caller - with the
// PocketBase collection swapped for a flat file, since the core has no
// embedded database.
package activity

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/sshmux/sshmux/internal/contracts"
)

// FileLog appends contracts.ActivityEvent records as JSON lines.
type FileLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open returns a FileLog appending to dir/activity.log, creating dir if
// necessary.
func Open(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "activity.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileLog{path: path, file: f}, nil
}

// Log implements contracts.ActivityLog. A marshal or write failure is
// logged and swallowed - activity logging must never fail a session.
func (l *FileLog) Log(_ context.Context, ev contracts.ActivityEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[sshmux] activity.Log: marshal failed: %v", err)
		return
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		log.Printf("[sshmux] activity.Log: write failed: %v", err)
	}
}

// Close releases the underlying file handle.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
