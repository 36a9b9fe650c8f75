// Package store layers protocol semantics over the append engine: config
// reconciliation, TTL expiry, JSON framing, idempotent producers, and
// wake-up notifications for long-poll and SSE readers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/streamhouse/streamhouse/engine"
)

// Common errors
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrConfigMismatch      = errors.New("stream configuration mismatch")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrEmptyBody           = errors.New("empty body not allowed")
	ErrEmptyJSONArray      = errors.New("empty JSON array not allowed")
	ErrInvalidOffset       = errors.New("invalid offset")
	ErrInvalidJSON         = errors.New("invalid JSON")
	ErrStreamClosed        = errors.New("stream is closed")
)

// Producer validation errors
var (
	ErrStaleEpoch      = errors.New("producer epoch is stale")
	ErrInvalidEpochSeq = errors.New("new epoch must start at sequence 0")
	ErrProducerSeqGap  = errors.New("producer sequence gap detected")
	ErrPartialProducer = errors.New("all producer headers must be provided together")
)

// ProducerResult indicates the outcome of producer validation
type ProducerResult int

const (
	ProducerResultNone      ProducerResult = iota // No producer headers provided
	ProducerResultAccepted                        // New data accepted
	ProducerResultDuplicate                       // Duplicate delivery, nothing written
)

// AppendResult contains the result of an append operation
type AppendResult struct {
	Offset         engine.Offset // stream tail after the call
	ProducerResult ProducerResult
	CurrentEpoch   int64 // Current epoch on stale epoch error
	ExpectedSeq    int64 // Expected seq on gap error
	ReceivedSeq    int64 // Received seq on gap error
	LastSeq        int64 // Highest accepted seq (for duplicates and success)
	StreamClosed   bool  // Stream is now closed (by this request or previously)
}

// CloseResult contains the result of a close operation
type CloseResult struct {
	FinalOffset   engine.Offset
	AlreadyClosed bool
}

// Store is the interface for durable stream storage
type Store interface {
	// Create creates a new stream, or resurrects a soft-deleted one.
	// Returns ErrConfigMismatch if the stream exists with different config,
	// or nil error if it exists with the same config (idempotent). The bool
	// reports whether the stream was newly created (resurrection counts).
	Create(path string, opts CreateOptions) (*engine.Stream, bool, error)

	// Get returns metadata for a live stream, or ErrStreamNotFound.
	// Expired streams are deleted on access and reported as not found.
	Get(path string) (*engine.Stream, error)

	// Has returns true if the stream exists and is live
	Has(path string) bool

	// Delete soft-deletes a stream. Returns ErrStreamNotFound if not found.
	Delete(path string) error

	// Append adds data to a stream. Returns AppendResult with the new offset.
	// Returns ErrStreamNotFound if the stream doesn't exist.
	// Returns ErrContentTypeMismatch if content type doesn't match.
	// Returns ErrStaleEpoch if producer epoch is less than current.
	// Returns ErrInvalidEpochSeq if a new epoch doesn't start at seq 0.
	// Returns ErrProducerSeqGap if producer seq is greater than lastSeq + 1.
	// Returns ErrPartialProducer if only some producer headers are provided.
	// Returns ErrStreamClosed if the stream is closed (unless the producer
	// matches the one that closed it, which is answered as a duplicate).
	Append(path string, data []byte, opts AppendOptions) (AppendResult, error)

	// CloseStream closes a stream without appending data. Idempotent.
	CloseStream(path string) (*CloseResult, error)

	// Read reads messages from a stream after the given offset.
	// Returns messages, whether the reader is at the tail, and any error.
	Read(path string, offset engine.Offset) ([]Message, bool, error)

	// WaitForMessages waits for messages after the given offset. Returns
	// when messages are available, the timeout expires, the context is
	// cancelled, or the stream is closed. Messages already present are
	// returned immediately.
	WaitForMessages(ctx context.Context, path string, offset engine.Offset, timeout time.Duration) (messages []Message, timedOut bool, streamClosed bool, err error)

	// Subscribe registers a one-shot notification for activity on a stream.
	Subscribe(path string) (<-chan Notification, func())

	// GetCurrentOffset returns the current tail offset for a stream
	GetCurrentOffset(path string) (engine.Offset, error)

	// Close releases any resources held by the store
	Close() error
}

// CreateOptions contains options for creating a stream
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
	Closed      bool // Create stream in closed state
}

// AppendOptions contains options for appending to a stream
type AppendOptions struct {
	ContentType string // Content-Type to validate against stream
	Close       bool   // Close stream after append (Stream-Closed: true)

	// Idempotent producer fields (all must be set together, or none)
	ProducerId    string // Producer-Id header
	ProducerEpoch *int64 // Producer-Epoch header
	ProducerSeq   *int64 // Producer-Seq header
}

// HasProducerHeaders returns true if any producer headers are set
func (o AppendOptions) HasProducerHeaders() bool {
	return o.ProducerId != "" || o.ProducerEpoch != nil || o.ProducerSeq != nil
}

// HasAllProducerHeaders returns true if all producer headers are set
func (o AppendOptions) HasAllProducerHeaders() bool {
	return o.ProducerId != "" && o.ProducerEpoch != nil && o.ProducerSeq != nil
}

// Message represents a single message in a stream
type Message struct {
	Data   []byte
	Offset engine.Offset
}

// ConfigMatches checks whether create options match a stream's live config
func ConfigMatches(s *engine.Stream, opts CreateOptions) bool {
	if !ContentTypeMatches(s.ContentType, opts.ContentType) {
		return false
	}

	if (s.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return false
	}
	if s.TTLSeconds != nil && opts.TTLSeconds != nil && *s.TTLSeconds != *opts.TTLSeconds {
		return false
	}

	if (s.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return false
	}
	if s.ExpiresAt != nil && opts.ExpiresAt != nil && !s.ExpiresAt.Equal(*opts.ExpiresAt) {
		return false
	}

	if s.Closed != opts.Closed {
		return false
	}

	return true
}

// ContentTypeMatches compares two content types, ignoring case and parameters
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = "application/octet-stream"
	}
	if b == "" {
		b = "application/octet-stream"
	}

	return equalFold(extractMediaType(a), extractMediaType(b))
}

// extractMediaType extracts the media type from a content-type header
// (removes parameters like charset)
func extractMediaType(ct string) string {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}

// equalFold is a simple ASCII case-insensitive string comparison
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ExtractMediaType is the exported version of extractMediaType
func ExtractMediaType(ct string) string {
	return extractMediaType(ct)
}

// IsJSONContentType returns true if the content type stores JSON records
func IsJSONContentType(ct string) bool {
	mt := toLower(extractMediaType(ct))
	return mt == "application/json" || hasSuffix(mt, "+json")
}

// toLower converts ASCII string to lowercase
func toLower(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b[i] = c
	}
	return string(b)
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
