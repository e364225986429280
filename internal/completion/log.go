package completion

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ksi-project/ksid/internal/ksierr"
)

// responseLogEntry is one line in responses/<session_id>.jsonl.
type responseLogEntry struct {
	RequestID string    `json:"request_id"`
	Prompt    string    `json:"prompt"`
	Model     string    `json:"model"`
	Response  string    `json:"response"`
	SessionID string    `json:"session_id"`
	Usage     any       `json:"usage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// responseLog appends one JSONL line per completion turn to
// <dir>/<session_id>.jsonl. Per-session writes are already serialized by
// the conversation queue; mu additionally serializes every append (open,
// write, close) across all sessions.
type responseLog struct {
	mu  sync.Mutex
	dir string
}

func newResponseLog(dir string) *responseLog {
	return &responseLog{dir: dir}
}

func (l *responseLog) append(sessionID string, entry responseLogEntry) error {
	if l.dir == "" || sessionID == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return ksierr.Wrap(ksierr.HandlerError, "create response log directory", err)
	}
	path := filepath.Join(l.dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return ksierr.Wrap(ksierr.HandlerError, "open response log", err)
	}
	defer f.Close()

	buf, err := json.Marshal(entry)
	if err != nil {
		return ksierr.Wrap(ksierr.InvalidJSON, "marshal response log entry", err)
	}
	buf = append(buf, '\n')
	_, err = f.Write(buf)
	return err
}

// tail reads a session's response log directly off disk, most recent entry
// last, keeping only the trailing limit entries (0 or negative means all).
// This backs the debug-only completion:tail fallback and is never consulted
// by the authoritative completion:result path.
func (l *responseLog) tail(sessionID string, limit int) ([]responseLogEntry, error) {
	if l.dir == "" || sessionID == "" {
		return nil, ksierr.New(ksierr.NotFound, "no response log for session: "+sessionID)
	}
	path := filepath.Join(l.dir, sessionID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ksierr.New(ksierr.NotFound, "no response log for session: "+sessionID)
		}
		return nil, ksierr.Wrap(ksierr.HandlerError, "open response log", err)
	}
	defer f.Close()

	var entries []responseLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry responseLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, ksierr.Wrap(ksierr.HandlerError, "read response log", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
