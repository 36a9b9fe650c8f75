package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine errors.
var (
	ErrStreamNotFound   = errors.New("stream not found")
	ErrStreamDeleted    = errors.New("stream is soft-deleted")
	ErrSchemaValidation = errors.New("schema validation failed")
)

// Stream is the durable metadata row for one named stream.
type Stream struct {
	Path              string
	ContentType       string
	CreatedAt         time.Time
	TTLSeconds        *int64
	ExpiresAt         *time.Time
	Closed            bool
	ClosedBy          *ClosedBy
	CurrentReadSeq    uint64
	CurrentByteOffset uint64
	DeletedAt         *time.Time
	LogFileID         string
	SchemaKey         string
}

// ClosedBy records the producer credentials that closed a stream, so a
// retried close from the same producer can be answered as a duplicate.
type ClosedBy struct {
	ProducerID string
	Epoch      int64
	Seq        int64
}

// CurrentOffset returns the stream's tail offset.
func (s *Stream) CurrentOffset() Offset {
	return Offset{ReadSeq: s.CurrentReadSeq, ByteOffset: s.CurrentByteOffset}
}

// IsExpired reports whether the stream's TTL or absolute expiry has passed.
func (s *Stream) IsExpired() bool {
	now := time.Now()
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return true
	}
	if s.TTLSeconds != nil && now.After(s.CreatedAt.Add(time.Duration(*s.TTLSeconds)*time.Second)) {
		return true
	}
	return false
}

// Message is one indexed record plus its payload bytes.
type Message struct {
	Data      []byte
	Offset    Offset
	Timestamp time.Time
}

// AppendRecord describes a single accepted append.
type AppendRecord struct {
	Offset    Offset
	Pos       int64
	Length    int
	Timestamp time.Time
}

// ProducerState is the persisted fencing state for one (stream, producer).
type ProducerState struct {
	Epoch       int64
	LastSeq     int64
	LastUpdated time.Time
}

// CreateStreamOptions configures CreateStream.
type CreateStreamOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	Closed      bool
	SchemaKey   string // explicit key wins over router patterns
}

// Config configures an Engine.
type Config struct {
	DataDir        string
	MaxFileHandles int
	Logger         *zap.Logger
}

// Engine binds log files to index rows: stream CRUD, schema-enforced append,
// range read, soft-delete and resurrection. Writes are serialised in-process;
// the index database is the single source of truth for what a reader may see.
type Engine struct {
	db      *sql.DB
	dataDir string
	logger  *zap.Logger
	schemas *SchemaRegistry
	files   *FilePool

	mu     sync.Mutex // serialises the write path
	routes []compiledRoute
}

// New opens (or creates) an engine rooted at cfg.DataDir.
func New(cfg Config) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openIndexDB(filepath.Join(cfg.DataDir, "index.db"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		db:      db,
		dataDir: cfg.DataDir,
		logger:  logger,
		schemas: newSchemaRegistry(),
		files:   NewFilePool(cfg.MaxFileHandles),
	}

	if err := e.loadSchemas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := e.recoverStreams(); err != nil {
		db.Close()
		return nil, err
	}

	return e, nil
}

// DB exposes the index database for peer layers (producer fencing lives in
// the same file and must share transactions with append in spirit, if not in
// letter: both are serialised by the engine's single-writer discipline).
func (e *Engine) DB() *sql.DB {
	return e.db
}

func (e *Engine) logPath(logFileID string) string {
	return filepath.Join(e.dataDir, "logs", logFileID+".jsonl")
}

const streamColumns = `path, content_type, created_at, ttl_seconds, expires_at,
	closed, closed_by_producer, closed_by_epoch, closed_by_seq,
	current_read_seq, current_byte_offset, deleted_at, log_file_id, schema_key`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (*Stream, error) {
	var (
		s          Stream
		createdAt  int64
		ttl        sql.NullInt64
		expiresAt  sql.NullInt64
		closed     int
		closedProd sql.NullString
		closedEp   sql.NullInt64
		closedSeq  sql.NullInt64
		deletedAt  sql.NullInt64
		schemaKey  sql.NullString
	)
	err := row.Scan(&s.Path, &s.ContentType, &createdAt, &ttl, &expiresAt,
		&closed, &closedProd, &closedEp, &closedSeq,
		&s.CurrentReadSeq, &s.CurrentByteOffset, &deletedAt, &s.LogFileID, &schemaKey)
	if err != nil {
		return nil, err
	}

	s.CreatedAt = time.Unix(createdAt, 0)
	s.Closed = closed != 0
	if ttl.Valid {
		v := ttl.Int64
		s.TTLSeconds = &v
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		s.ExpiresAt = &t
	}
	if closedProd.Valid {
		s.ClosedBy = &ClosedBy{
			ProducerID: closedProd.String,
			Epoch:      closedEp.Int64,
			Seq:        closedSeq.Int64,
		}
	}
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0)
		s.DeletedAt = &t
	}
	if schemaKey.Valid {
		s.SchemaKey = schemaKey.String
	}
	return &s, nil
}

func (e *Engine) getStreamAny(q interface {
	QueryRow(query string, args ...any) *sql.Row
}, path string) (*Stream, error) {
	row := q.QueryRow(`SELECT `+streamColumns+` FROM streams WHERE path = ?`, path)
	s, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load stream %q: %w", path, err)
	}
	return s, nil
}

// GetStream returns the metadata of a live stream. Soft-deleted streams are
// reported as not found.
func (e *Engine) GetStream(path string) (*Stream, error) {
	s, err := e.getStreamAny(e.db, path)
	if err != nil {
		return nil, err
	}
	if s.DeletedAt != nil {
		return nil, ErrStreamNotFound
	}
	return s, nil
}

// ListStreams returns all live streams.
func (e *Engine) ListStreams() ([]*Stream, error) {
	rows, err := e.db.Query(`SELECT ` + streamColumns + ` FROM streams WHERE deleted_at IS NULL ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var streams []*Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}
	return streams, rows.Err()
}

// CreateStream creates a stream, or resurrects a soft-deleted one. Creating
// over a live stream is idempotent at this layer (config reconciliation is
// the durable store's job): the existing row is returned with created=false.
//
// Resurrection wipes index rows and producer state, bumps the read sequence,
// zeroes the byte offset, and assigns a fresh log file id, all in one
// transaction. Old offsets stay strictly below anything the new incarnation
// produces because the read sequence is the high-order key.
func (e *Engine) CreateStream(path string, opts CreateStreamOptions) (*Stream, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := e.getStreamAny(tx, path)
	if err != nil && !errors.Is(err, ErrStreamNotFound) {
		return nil, false, err
	}

	schemaKey := opts.SchemaKey
	if schemaKey == "" {
		schemaKey = e.schemaKeyForPath(path)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	now := time.Now()
	var ttl, expiresAt any
	if opts.TTLSeconds != nil {
		ttl = *opts.TTLSeconds
	}
	if opts.ExpiresAt != nil {
		expiresAt = opts.ExpiresAt.Unix()
	}
	var schemaKeyArg any
	if schemaKey != "" {
		schemaKeyArg = schemaKey
	}

	if existing == nil {
		logFileID := uuid.NewString()
		// Two concurrent creates race to this insert; ON CONFLICT makes the
		// first writer win and the loser re-read the winner's row.
		_, err = tx.Exec(`
			INSERT INTO streams (path, content_type, created_at, ttl_seconds, expires_at,
				closed, current_read_seq, current_byte_offset, log_file_id, schema_key)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
			ON CONFLICT(path) DO NOTHING`,
			path, contentType, now.Unix(), ttl, expiresAt, boolToInt(opts.Closed), logFileID, schemaKeyArg)
		if err != nil {
			return nil, false, fmt.Errorf("create stream %q: %w", path, err)
		}

		s, err := e.getStreamAny(tx, path)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return s, s.LogFileID == logFileID, nil
	}

	if existing.DeletedAt == nil {
		// Live stream: idempotent create.
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	// Resurrect.
	if _, err := tx.Exec(`DELETE FROM messages WHERE stream_path = ?`, path); err != nil {
		return nil, false, fmt.Errorf("wipe messages for %q: %w", path, err)
	}
	if _, err := tx.Exec(`DELETE FROM producers WHERE stream_path = ?`, path); err != nil {
		return nil, false, fmt.Errorf("wipe producers for %q: %w", path, err)
	}

	newLogFileID := uuid.NewString()
	_, err = tx.Exec(`
		UPDATE streams SET deleted_at = NULL, closed = ?,
			closed_by_producer = NULL, closed_by_epoch = NULL, closed_by_seq = NULL,
			current_read_seq = current_read_seq + 1, current_byte_offset = 0,
			log_file_id = ?, content_type = ?, created_at = ?,
			ttl_seconds = ?, expires_at = ?, schema_key = ?
		WHERE path = ?`,
		boolToInt(opts.Closed), newLogFileID, contentType, now.Unix(),
		ttl, expiresAt, schemaKeyArg, path)
	if err != nil {
		return nil, false, fmt.Errorf("resurrect stream %q: %w", path, err)
	}

	s, err := e.getStreamAny(tx, path)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	e.logger.Debug("stream resurrected",
		zap.String("path", path),
		zap.Uint64("read_seq", s.CurrentReadSeq),
		zap.String("log_file_id", s.LogFileID))

	return s, true, nil
}

// DeleteStream soft-deletes a live stream: the row is kept (resurrection is
// a single-row transition) and the log file stays on disk as orphaned data
// until a reaper removes it. The cached descriptor is closed.
func (e *Engine) DeleteStream(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.getStreamAny(e.db, path)
	if err != nil {
		return err
	}
	if s.DeletedAt != nil {
		return ErrStreamNotFound
	}

	res, err := e.db.Exec(`UPDATE streams SET deleted_at = ? WHERE path = ? AND deleted_at IS NULL`,
		time.Now().Unix(), path)
	if err != nil {
		return fmt.Errorf("delete stream %q: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStreamNotFound
	}

	e.files.Remove(e.logPath(s.LogFileID))
	return nil
}

// Append validates and durably appends a single record, returning its
// assigned offset.
func (e *Engine) Append(path string, data []byte) (*AppendRecord, error) {
	records, err := e.AppendAll(path, [][]byte{data})
	if err != nil {
		return nil, err
	}
	return &records[0], nil
}

// AppendAll appends a batch of records in one index transaction. The order
// of operations is: read index row, validate every record, write the log,
// then insert index rows and bump the stream offset together. If the log
// write lands but the transaction does not, the log bytes are unreferenced
// by any row and therefore invisible to readers.
func (e *Engine) AppendAll(path string, records [][]byte) ([]AppendRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	s, err := e.getStreamAny(tx, path)
	if err != nil {
		return nil, err
	}
	if s.DeletedAt != nil {
		return nil, ErrStreamNotFound
	}

	for _, data := range records {
		if err := e.validatePayload(s.SchemaKey, data); err != nil {
			return nil, err
		}
	}

	file, err := e.files.Get(e.logPath(s.LogFileID))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	results := make([]AppendRecord, 0, len(records))
	cursor := s.CurrentByteOffset

	for _, data := range records {
		pos, length, err := file.Append(data)
		if err != nil {
			return nil, err
		}
		cursor += uint64(length)
		offset := Offset{ReadSeq: s.CurrentReadSeq, ByteOffset: cursor}

		if _, err := tx.Exec(`
			INSERT INTO messages (stream_path, pos, length, msg_offset, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			path, pos, length, offset.String(), now.Unix()); err != nil {
			return nil, fmt.Errorf("index record for %q: %w", path, err)
		}

		results = append(results, AppendRecord{Offset: offset, Pos: pos, Length: length, Timestamp: now})
	}

	if err := file.Sync(); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE streams SET current_byte_offset = ? WHERE path = ?`, cursor, path); err != nil {
		return nil, fmt.Errorf("advance offset for %q: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return results, nil
}

// Read returns every message with an offset strictly greater than after,
// in offset order. All indexed rows belong to the current incarnation
// (resurrection wipes the old ones), so a stale offset from a previous
// incarnation simply compares below everything and yields the full stream.
func (e *Engine) Read(path string, after Offset) ([]Message, error) {
	s, err := e.GetStream(path)
	if err != nil {
		return nil, err
	}

	rows, err := e.db.Query(`
		SELECT pos, length, msg_offset, created_at FROM messages
		WHERE stream_path = ? AND msg_offset > ?
		ORDER BY msg_offset`,
		path, after.String())
	if err != nil {
		return nil, fmt.Errorf("read index for %q: %w", path, err)
	}
	defer rows.Close()

	type indexed struct {
		pos       int64
		length    int
		offset    Offset
		timestamp time.Time
	}
	var index []indexed
	for rows.Next() {
		var (
			pos, createdAt int64
			length         int
			offsetStr      string
		)
		if err := rows.Scan(&pos, &length, &offsetStr, &createdAt); err != nil {
			return nil, err
		}
		offset, err := ParseOffset(offsetStr)
		if err != nil {
			return nil, err
		}
		index = append(index, indexed{pos: pos, length: length, offset: offset, timestamp: time.Unix(createdAt, 0)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(index) == 0 {
		return nil, nil
	}

	file, err := e.files.Get(e.logPath(s.LogFileID))
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(index))
	for _, rec := range index {
		data, err := file.ReadAt(rec.pos, rec.length)
		if err != nil {
			return nil, err
		}
		messages = append(messages, Message{Data: data, Offset: rec.offset, Timestamp: rec.timestamp})
	}
	return messages, nil
}

// GetCurrentOffset returns the tail offset of a live stream.
func (e *Engine) GetCurrentOffset(path string) (Offset, error) {
	s, err := e.GetStream(path)
	if err != nil {
		return Offset{}, err
	}
	return s.CurrentOffset(), nil
}

// MessageCount returns the number of indexed records for a live stream.
func (e *Engine) MessageCount(path string) (int64, error) {
	if _, err := e.GetStream(path); err != nil {
		return 0, err
	}
	var count int64
	err := e.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE stream_path = ?`, path).Scan(&count)
	return count, err
}

// SetClosed marks a stream closed, optionally recording the producer that
// closed it.
func (e *Engine) SetClosed(path string, by *ClosedBy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var prod, epoch, seq any
	if by != nil {
		prod, epoch, seq = by.ProducerID, by.Epoch, by.Seq
	}
	res, err := e.db.Exec(`
		UPDATE streams SET closed = 1, closed_by_producer = ?, closed_by_epoch = ?, closed_by_seq = ?
		WHERE path = ? AND deleted_at IS NULL`,
		prod, epoch, seq, path)
	if err != nil {
		return fmt.Errorf("close stream %q: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStreamNotFound
	}
	return nil
}

// GetProducer loads producer fencing state; nil state, nil error when absent.
func (e *Engine) GetProducer(path, producerID string) (*ProducerState, error) {
	var (
		state       ProducerState
		lastUpdated int64
	)
	err := e.db.QueryRow(`
		SELECT epoch, last_seq, last_updated FROM producers
		WHERE stream_path = ? AND producer_id = ?`,
		path, producerID).Scan(&state.Epoch, &state.LastSeq, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load producer %q/%q: %w", path, producerID, err)
	}
	state.LastUpdated = time.Unix(lastUpdated, 0)
	return &state, nil
}

// PutProducer commits accepted producer state. Called only after the
// corresponding append has succeeded.
func (e *Engine) PutProducer(path, producerID string, epoch, lastSeq int64) error {
	_, err := e.db.Exec(`
		INSERT INTO producers (stream_path, producer_id, epoch, last_seq, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(stream_path, producer_id) DO UPDATE SET
			epoch = excluded.epoch, last_seq = excluded.last_seq, last_updated = excluded.last_updated`,
		path, producerID, epoch, lastSeq, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("commit producer %q/%q: %w", path, producerID, err)
	}
	return nil
}

// EvictProducersBefore drops producer rows idle since before the cutoff.
func (e *Engine) EvictProducersBefore(cutoff time.Time) (int64, error) {
	res, err := e.db.Exec(`DELETE FROM producers WHERE last_updated < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("evict producers: %w", err)
	}
	return res.RowsAffected()
}

// recoverStreams reconciles the index with what actually reached disk.
// A crash between log write and commit leaves orphaned log bytes, which is
// fine; a lost log file (or truncated tail) must not leave index rows
// pointing past the end of the file.
func (e *Engine) recoverStreams() error {
	streams, err := e.ListStreams()
	if err != nil {
		return err
	}

	for _, s := range streams {
		info, err := os.Stat(e.logPath(s.LogFileID))
		if os.IsNotExist(err) {
			if s.CurrentByteOffset == 0 {
				continue // never written, file is created lazily
			}
			info = nil
		} else if err != nil {
			return err
		}

		var size int64
		if info != nil {
			size = info.Size()
		}

		res, err := e.db.Exec(`DELETE FROM messages WHERE stream_path = ? AND pos + length > ?`, s.Path, size)
		if err != nil {
			return fmt.Errorf("trim index for %q: %w", s.Path, err)
		}
		trimmed, _ := res.RowsAffected()
		if trimmed == 0 {
			continue
		}

		var tail sql.NullString
		if err := e.db.QueryRow(`SELECT MAX(msg_offset) FROM messages WHERE stream_path = ?`, s.Path).Scan(&tail); err != nil {
			return err
		}
		byteOffset := uint64(0)
		if tail.Valid {
			offset, err := ParseOffset(tail.String)
			if err != nil {
				return err
			}
			byteOffset = offset.ByteOffset
		}
		if _, err := e.db.Exec(`UPDATE streams SET current_byte_offset = ? WHERE path = ?`, byteOffset, s.Path); err != nil {
			return err
		}

		e.logger.Warn("trimmed index rows past end of log",
			zap.String("path", s.Path),
			zap.Int64("rows", trimmed))
	}
	return nil
}

// Close releases the file pool and the index database.
func (e *Engine) Close() error {
	var lastErr error
	if err := e.files.Close(); err != nil {
		lastErr = err
	}
	if err := e.db.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
