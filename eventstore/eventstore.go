package eventstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// Config configures an event store.
type Config struct {
	// DataDir holds the SQLite database and, when auditing is on, the
	// per-day JSONL audit files under audit/.
	DataDir string

	// EnableAudit turns on the best-effort audit trail.
	EnableAudit bool

	Logger *zap.Logger
}

// Store is the durable event store. All writes to one session are serialized
// by the single-connection database, so the per-session sequence is strictly
// monotonic with no gaps.
type Store struct {
	db         *sql.DB
	logger     *zap.Logger
	validators map[EventType]*jsonschema.Schema
	audit      *auditLog
}

// Open creates or opens an event store rooted at cfg.DataDir.
func Open(cfg Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("eventstore: DataDir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := openEventDB(filepath.Join(cfg.DataDir, "events.db"))
	if err != nil {
		return nil, err
	}

	validators, err := buildValidators()
	if err != nil {
		db.Close()
		return nil, err
	}

	var audit *auditLog
	if cfg.EnableAudit {
		auditDir := filepath.Join(cfg.DataDir, "audit")
		if err := os.MkdirAll(auditDir, 0o755); err != nil {
			db.Close()
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
		audit = newAuditLog(auditDir, logger)
	}

	return &Store{db: db, logger: logger, validators: validators, audit: audit}, nil
}

// Close releases the database and audit file handles.
func (s *Store) Close() error {
	s.audit.close()
	return s.db.Close()
}

// CreateSession creates a session. An empty id gets a generated UUID; an
// explicit id that already exists returns ErrSessionExists.
func (s *Store) CreateSession(id string) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now()
	result, err := s.db.Exec(`
		INSERT INTO sessions (id, created_at, updated_at, current_seq)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING`,
		id, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	return &Session{ID: id, CreatedAt: now, UpdatedAt: now}, nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, updated_at, current_seq
		FROM sessions WHERE id = ?`, id)

	var session Session
	var createdAt, updatedAt int64
	err := row.Scan(&session.ID, &createdAt, &updatedAt, &session.CurrentSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, updated_at, current_seq
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var session Session
		var createdAt, updatedAt int64
		if err := rows.Scan(&session.ID, &createdAt, &updatedAt, &session.CurrentSeq); err != nil {
			return nil, err
		}
		session.CreatedAt = time.Unix(createdAt, 0)
		session.UpdatedAt = time.Unix(updatedAt, 0)
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and, via the foreign key cascade, all of
// its events.
func (s *Store) DeleteSession(id string) error {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Append validates and persists one event. The sequence bump and the event
// insert commit in a single transaction. A request whose dedupe key already
// exists in the session returns the previously stored event and writes
// nothing.
func (s *Store) Append(req AppendRequest) (*Event, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, req.Type)
	}

	payload, err := marshalPayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.validatePayload(req.Type, payload); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var currentSeq int64
	err = tx.QueryRow(`SELECT current_seq FROM sessions WHERE id = ?`, req.SessionID).Scan(&currentSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, req.SessionID)
	}
	if err != nil {
		return nil, err
	}

	if req.DedupeKey != "" {
		existing, err := scanEvent(tx.QueryRow(`
			SELECT id, session_id, seq, run_id, type, payload, dedupe_key, created_at
			FROM events WHERE session_id = ? AND dedupe_key = ?`,
			req.SessionID, req.DedupeKey))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	now := time.Now()
	seq := currentSeq + 1

	if _, err := tx.Exec(`UPDATE sessions SET current_seq = ?, updated_at = ? WHERE id = ?`,
		seq, now.Unix(), req.SessionID); err != nil {
		return nil, fmt.Errorf("bump session seq: %w", err)
	}

	dedupe := sql.NullString{String: req.DedupeKey, Valid: req.DedupeKey != ""}
	result, err := tx.Exec(`
		INSERT INTO events (session_id, seq, run_id, type, payload, dedupe_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.SessionID, seq, req.RunID, string(req.Type), string(payload), dedupe, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	event := &Event{
		ID:        id,
		SessionID: req.SessionID,
		Seq:       seq,
		RunID:     req.RunID,
		Type:      req.Type,
		Payload:   payload,
		DedupeKey: req.DedupeKey,
		CreatedAt: now,
	}
	s.audit.record(event)
	return event, nil
}

// Query returns a session's events ordered by seq ascending, narrowed by the
// options' filters.
func (s *Store) Query(opts QueryOptions) ([]*Event, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, session_id, seq, run_id, type, payload, dedupe_key, created_at
		FROM events WHERE session_id = ? AND seq > ?`)
	args := []any{opts.SessionID, opts.AfterSeq}

	if len(opts.Types) > 0 {
		query.WriteString(` AND type IN (?` + strings.Repeat(", ?", len(opts.Types)-1) + `)`)
		for _, eventType := range opts.Types {
			args = append(args, string(eventType))
		}
	}
	if opts.RunID != "" {
		query.WriteString(` AND run_id = ?`)
		args = append(args, opts.RunID)
	}
	query.WriteString(` ORDER BY seq ASC`)
	if opts.Limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ConversationHistory reconstructs the visible conversation from the
// session's user messages, final assistant messages, and tool results.
// Events whose payload no longer parses are skipped with a warning rather
// than failing the whole reconstruction.
func (s *Store) ConversationHistory(sessionID string) ([]HistoryMessage, error) {
	events, err := s.Query(QueryOptions{
		SessionID: sessionID,
		Types:     []EventType{EventUserMessage, EventAssistantFinal, EventToolResult},
	})
	if err != nil {
		return nil, err
	}

	history := make([]HistoryMessage, 0, len(events))
	for _, event := range events {
		message, err := historyMessage(event)
		if err != nil {
			s.logger.Warn("skipping unparseable history event",
				zap.String("session", sessionID),
				zap.Int64("seq", event.Seq),
				zap.Error(err))
			continue
		}
		history = append(history, message)
	}
	return history, nil
}

func historyMessage(event *Event) (HistoryMessage, error) {
	switch event.Type {
	case EventUserMessage:
		var payload UserMessagePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return HistoryMessage{}, err
		}
		return HistoryMessage{Role: "user", Content: payload.Text}, nil
	case EventAssistantFinal:
		var payload AssistantFinalPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return HistoryMessage{}, err
		}
		return HistoryMessage{Role: "assistant", Content: payload.Text}, nil
	case EventToolResult:
		var payload ToolResultPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return HistoryMessage{}, err
		}
		return HistoryMessage{Role: "tool", Content: payload.Content}, nil
	}
	return HistoryMessage{}, fmt.Errorf("type %s has no history role", event.Type)
}

// FindStaleRuns returns runs whose agent_start is older than the cutoff and
// that have no run_closed event.
func (s *Store) FindStaleRuns(olderThan time.Duration) ([]StaleRun, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	rows, err := s.db.Query(`
		SELECT started.session_id, started.run_id, started.created_at
		FROM events started
		WHERE started.type = ? AND started.run_id != '' AND started.created_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM events closed
			WHERE closed.session_id = started.session_id
			AND closed.run_id = started.run_id
			AND closed.type = ?
		)`,
		string(EventAgentStart), cutoff, string(EventRunClosed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []StaleRun
	for rows.Next() {
		var run StaleRun
		var startedAt int64
		if err := rows.Scan(&run.SessionID, &run.RunID, &startedAt); err != nil {
			return nil, err
		}
		run.StartedAt = time.Unix(startedAt, 0)
		stale = append(stale, run)
	}
	return stale, rows.Err()
}

// ClaimBootstrap atomically claims one-time bootstrap injection for an
// agent id. The first caller gets true; every later caller gets false.
func (s *Store) ClaimBootstrap(agentID string) (bool, error) {
	result, err := s.db.Exec(`
		INSERT INTO bootstrap_state (agent_id, injected_at)
		VALUES (?, ?)
		ON CONFLICT(agent_id) DO NOTHING`,
		agentID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("claim bootstrap: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var event Event
	var eventType, payload string
	var dedupe sql.NullString
	var createdAt int64
	err := row.Scan(&event.ID, &event.SessionID, &event.Seq, &event.RunID,
		&eventType, &payload, &dedupe, &createdAt)
	if err != nil {
		return nil, err
	}
	event.Type = EventType(eventType)
	event.Payload = json.RawMessage(payload)
	event.DedupeKey = dedupe.String
	event.CreatedAt = time.Unix(createdAt, 0)
	return &event, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch value := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return value, nil
	case []byte:
		return json.RawMessage(value), nil
	default:
		return json.Marshal(payload)
	}
}
