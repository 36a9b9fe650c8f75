package eventstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// auditLog appends one JSON line per persisted event to a per-day file.
// Writes are best effort: failures are logged and never surface into the
// append path, and the log is not consulted on recovery.
type auditLog struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	day  string
	file *os.File
}

type auditEntry struct {
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	RunID     string          `json:"runId,omitempty"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Time      time.Time       `json:"time"`
}

func newAuditLog(dir string, logger *zap.Logger) *auditLog {
	return &auditLog{dir: dir, logger: logger}
}

func (a *auditLog) record(event *Event) {
	if a == nil || a.dir == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	day := event.CreatedAt.UTC().Format("2006-01-02")
	if a.file == nil || day != a.day {
		if a.file != nil {
			a.file.Close()
			a.file = nil
		}
		path := filepath.Join(a.dir, "events-"+day+".jsonl")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			a.logger.Warn("audit log open failed", zap.String("path", path), zap.Error(err))
			return
		}
		a.file, a.day = file, day
	}

	line, err := json.Marshal(auditEntry{
		SessionID: event.SessionID,
		Seq:       event.Seq,
		RunID:     event.RunID,
		Type:      event.Type,
		Payload:   event.Payload,
		Time:      event.CreatedAt.UTC(),
	})
	if err != nil {
		a.logger.Warn("audit log marshal failed", zap.Error(err))
		return
	}
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		a.logger.Warn("audit log write failed", zap.Error(err))
	}
}

func (a *auditLog) close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
}
