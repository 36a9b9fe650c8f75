package streamhouse

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/streamhouse/streamhouse/engine"
	"github.com/streamhouse/streamhouse/store"
)

// Protocol header names
const (
	HeaderStreamNextOffset     = "Stream-Next-Offset"
	HeaderStreamCursor         = "Stream-Cursor"
	HeaderStreamUpToDate       = "Stream-Up-To-Date"
	HeaderStreamTTL            = "Stream-TTL"
	HeaderStreamExpiresAt      = "Stream-Expires-At"
	HeaderStreamClosed         = "Stream-Closed"
	HeaderProducerId           = "Producer-Id"
	HeaderProducerEpoch        = "Producer-Epoch"
	HeaderProducerSeq          = "Producer-Seq"
	HeaderProducerExpectedSeq  = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq  = "Producer-Received-Seq"
	HeaderSSEDataEncoding      = "Stream-SSE-Data-Encoding"
)

const testEndpointPath = "/_test/inject-error"

// ServeHTTP implements caddyhttp.MiddlewareHandler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers",
		"Content-Type, Stream-TTL, Stream-Expires-At, Stream-Closed, Producer-Id, Producer-Epoch, Producer-Seq, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers",
		"Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, Producer-Epoch, Producer-Seq, Producer-Expected-Seq, Producer-Received-Seq, ETag, Location, Content-Type, Content-Encoding, Vary")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	streamPath := r.URL.Path

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", streamPath),
		zap.String("query", r.URL.RawQuery))

	if streamPath == testEndpointPath {
		if !h.EnableTestEndpoints {
			w.WriteHeader(http.StatusNotFound)
			return nil
		}
		if err := h.handleInjectError(w, r); err != nil {
			h.writeError(w, err)
		}
		return nil
	}

	if h.webhooks != nil && h.webhooks.HandleRequest(w, r) {
		return nil
	}

	fault := h.faults.consume(streamPath, r.Method)
	if fault != nil && h.applyPreFault(w, fault) {
		return nil
	}

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamPath)
	case http.MethodHead:
		err = h.handleHead(w, r, streamPath)
	case http.MethodGet:
		err = h.handleRead(w, r, streamPath, fault)
	case http.MethodPost:
		err = h.handleAppend(w, r, streamPath)
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamPath)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// handleCreate handles PUT requests to create a stream
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	closed := r.Header.Get(HeaderStreamClosed) == "true"

	var initialData []byte
	if r.ContentLength > 0 {
		var err error
		initialData, err = io.ReadAll(r.Body)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "failed to read body")
		}
	}

	opts := store.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: initialData,
		Closed:      closed,
	}

	meta, wasCreated, err := h.store.Create(path, opts)
	if err != nil {
		if errors.Is(err, store.ErrConfigMismatch) {
			return newHTTPError(http.StatusConflict, "stream exists with different configuration")
		}
		if errors.Is(err, store.ErrInvalidJSON) {
			return newHTTPError(http.StatusBadRequest, "invalid JSON")
		}
		if errors.Is(err, engine.ErrSchemaValidation) {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}

	if h.webhooks != nil {
		if wasCreated {
			h.webhooks.Manager.OnStreamCreated(path)
		}
		if len(initialData) > 0 {
			h.webhooks.Manager.OnStreamAppend(path)
		}
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset().String())

	if wasCreated {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		w.Header().Set("Location", fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	return nil
}

// handleHead handles HEAD requests for stream metadata
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	offset := meta.CurrentOffset()
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, offset.String())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("ETag", etagFor(path, "-1", offset.String(), meta.Closed))

	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if meta.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, meta.ExpiresAt.Format(time.RFC3339))
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

// etagFor derives the conditional-GET ETag. The path is base64 encoded so
// stream names with quote characters cannot break the header.
func etagFor(path, startOffset, endOffset string, closed bool) string {
	suffix := ""
	if closed {
		suffix = ":closed"
	}
	encoded := base64.RawURLEncoding.EncodeToString([]byte(path))
	return fmt.Sprintf(`W/"%s:%s:%s%s"`, encoded, startOffset, endOffset, suffix)
}

// resolveOffset maps the offset query parameter to a concrete offset.
// Sentinels: "-1" reads from the beginning, "now" starts at the tail.
func resolveOffset(offsetStr string, meta *engine.Stream) (engine.Offset, error) {
	if offsetStr == "now" {
		return meta.CurrentOffset(), nil
	}
	return engine.ParseOffset(offsetStr)
}

// handleRead handles GET requests to read from a stream
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string, fault *Fault) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}

	offset, err := resolveOffset(offsetStr, meta)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}

	startOffsetStr := offsetStr
	if startOffsetStr == "" {
		startOffsetStr = "-1"
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")

	if (liveMode == "long-poll" || liveMode == "sse") && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for "+liveMode+" mode")
	}

	if liveMode == "sse" {
		return h.handleSSE(w, r, path, offset, cursor, fault)
	}

	messages, _, err := h.store.Read(path, offset)
	if err != nil {
		return err
	}

	nextOffset := offset
	if len(messages) > 0 {
		nextOffset = messages[len(messages)-1].Offset
	} else {
		nextOffset = meta.CurrentOffset()
	}

	if liveMode == "long-poll" && len(messages) == 0 {
		timeout := time.Duration(h.LongPollTimeout)
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		var timedOut, streamClosed bool
		messages, timedOut, streamClosed, err = h.store.WaitForMessages(ctx, path, offset, timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				timedOut = true
			} else if errors.Is(err, store.ErrStreamNotFound) {
				return newHTTPError(http.StatusNotFound, "stream not found")
			} else {
				return err
			}
		}

		if streamClosed {
			w.Header().Set("Content-Type", meta.ContentType)
			w.Header().Set(HeaderStreamNextOffset, offset.String())
			w.Header().Set(HeaderStreamClosed, "true")
			w.Header().Set(HeaderStreamUpToDate, "true")
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		if timedOut {
			w.Header().Set("Content-Type", meta.ContentType)
			w.Header().Set(HeaderStreamNextOffset, offset.String())
			w.Header().Set(HeaderStreamCursor, generateResponseCursor(cursor))
			w.Header().Set(HeaderStreamUpToDate, "true")
			w.WriteHeader(http.StatusNoContent)
			return nil
		}

		if len(messages) > 0 {
			nextOffset = messages[len(messages)-1].Offset
		}
	}

	// Re-fetch to decide whether the reader is caught up with the tail.
	currentMeta, err := h.store.Get(path)
	if err != nil {
		currentMeta = meta
	}
	upToDate := !nextOffset.LessThan(currentMeta.CurrentOffset())
	closedAtTail := upToDate && currentMeta.Closed

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset.String())
	if upToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if closedAtTail {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, generateResponseCursor(cursor))
	}

	etag := etagFor(path, startOffsetStr, nextOffset.String(), closedAtTail)
	w.Header().Set("ETag", etag)

	if !upToDate && len(messages) > 0 {
		// Historical slices are immutable and safe to cache.
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" && ifNoneMatch == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	body := formatResponse(messages, meta.ContentType)
	body = shapeBody(fault, body)
	h.writeMaybeCompressed(w, r, http.StatusOK, body)
	return nil
}

// parseProducerHeaders extracts producer fields; all present or all absent.
func parseProducerHeaders(r *http.Request) (id string, epoch, seq *int64, err error) {
	id = r.Header.Get(HeaderProducerId)
	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)

	if id == "" && epochStr == "" && seqStr == "" {
		return "", nil, nil, nil
	}
	if id == "" || epochStr == "" || seqStr == "" {
		return "", nil, nil, store.ErrPartialProducer
	}

	e, perr := strconv.ParseInt(epochStr, 10, 64)
	if perr != nil {
		return "", nil, nil, store.ErrInvalidEpochSeq
	}
	s, perr := strconv.ParseInt(seqStr, 10, 64)
	if perr != nil {
		return "", nil, nil, store.ErrInvalidEpochSeq
	}
	return id, &e, &s, nil
}

// handleAppend handles POST requests to append to a stream
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	producerId, producerEpoch, producerSeq, err := parseProducerHeaders(r)
	if err != nil {
		if errors.Is(err, store.ErrPartialProducer) {
			return newHTTPError(http.StatusBadRequest, "all producer headers must be provided together")
		}
		return newHTTPError(http.StatusBadRequest, "invalid producer epoch or sequence")
	}

	closeRequested := r.Header.Get(HeaderStreamClosed) == "true"

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}

	contentType := r.Header.Get("Content-Type")
	if len(body) > 0 {
		if contentType == "" {
			return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
		}
		if !store.ContentTypeMatches(meta.ContentType, contentType) {
			return newHTTPError(http.StatusConflict, "content type mismatch")
		}
	}

	result, err := h.store.Append(path, body, store.AppendOptions{
		ContentType:   contentType,
		Close:         closeRequested,
		ProducerId:    producerId,
		ProducerEpoch: producerEpoch,
		ProducerSeq:   producerSeq,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrStreamNotFound):
			return newHTTPError(http.StatusNotFound, "stream not found")
		case errors.Is(err, store.ErrContentTypeMismatch):
			return newHTTPError(http.StatusConflict, "content type mismatch")
		case errors.Is(err, store.ErrInvalidJSON):
			return newHTTPError(http.StatusBadRequest, "invalid JSON")
		case errors.Is(err, store.ErrEmptyJSONArray):
			return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
		case errors.Is(err, store.ErrEmptyBody):
			return newHTTPError(http.StatusBadRequest, "empty body not allowed")
		case errors.Is(err, engine.ErrSchemaValidation):
			return newHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrStaleEpoch):
			w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(result.CurrentEpoch, 10))
			return newHTTPError(http.StatusForbidden, "stale_epoch")
		case errors.Is(err, store.ErrInvalidEpochSeq):
			return newHTTPError(http.StatusBadRequest, "invalid_epoch_seq")
		case errors.Is(err, store.ErrProducerSeqGap):
			w.Header().Set(HeaderProducerExpectedSeq, strconv.FormatInt(result.ExpectedSeq, 10))
			w.Header().Set(HeaderProducerReceivedSeq, strconv.FormatInt(result.ReceivedSeq, 10))
			return newHTTPError(http.StatusConflict, "sequence_gap")
		case errors.Is(err, store.ErrPartialProducer):
			return newHTTPError(http.StatusBadRequest, "all producer headers must be provided together")
		case errors.Is(err, store.ErrStreamClosed):
			w.Header().Set(HeaderStreamClosed, "true")
			w.Header().Set(HeaderStreamNextOffset, result.Offset.String())
			return newHTTPError(http.StatusConflict, "stream_closed")
		}
		return err
	}

	if h.webhooks != nil && result.ProducerResult != store.ProducerResultDuplicate && len(body) > 0 {
		h.webhooks.Manager.OnStreamAppend(path)
	}

	w.Header().Set(HeaderStreamNextOffset, result.Offset.String())
	if result.StreamClosed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	switch result.ProducerResult {
	case store.ProducerResultAccepted:
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(*producerEpoch, 10))
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(result.LastSeq, 10))
		w.WriteHeader(http.StatusOK)
	case store.ProducerResultDuplicate:
		if producerEpoch != nil {
			w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(*producerEpoch, 10))
		}
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(result.LastSeq, 10))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

// handleDelete handles DELETE requests to delete a stream
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	err := h.store.Delete(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	if h.webhooks != nil {
		h.webhooks.Manager.OnStreamDeleted(path)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// formatResponse frames messages for the response body based on content type
func formatResponse(messages []store.Message, contentType string) []byte {
	if store.IsJSONContentType(contentType) {
		return store.FormatJSONResponse(messages)
	}

	var total int
	for _, msg := range messages {
		total += len(msg.Data)
	}
	result := make([]byte, 0, total)
	for _, msg := range messages {
		result = append(result, msg.Data...)
	}
	return result
}

// HTTP error handling
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	h.logger.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// parseTTL parses and validates a TTL string
var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

func parseTTL(s string) (int64, error) {
	// Non-negative integer, no leading zeros, no sign, no floats
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}

	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}

	return ttl, nil
}
