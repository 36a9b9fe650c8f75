package streamhouse

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/streamhouse/streamhouse/engine"
	"github.com/streamhouse/streamhouse/store"
)

// sseWaitInterval bounds each wait inside the SSE loop so the loop can
// notice shutdown and the reconnect deadline promptly.
const sseWaitInterval = 15 * time.Second

// sseTracker knows every live SSE connection so shutdown can end them
// instead of waiting out their reconnect deadlines.
type sseTracker struct {
	mu           sync.Mutex
	conns        map[*sseConn]struct{}
	shuttingDown bool
}

type sseConn struct {
	cancel context.CancelFunc
}

func newSSETracker() *sseTracker {
	return &sseTracker{conns: make(map[*sseConn]struct{})}
}

func (t *sseTracker) add(c *sseConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shuttingDown {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *sseTracker) remove(c *sseConn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *sseTracker) shutdown() {
	t.mu.Lock()
	t.shuttingDown = true
	conns := make([]*sseConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[*sseConn]struct{})
	t.mu.Unlock()

	for _, c := range conns {
		c.cancel()
	}
}

// sseControl is the payload of an "event: control" frame.
type sseControl struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor,omitempty"`
	UpToDate         bool   `json:"upToDate,omitempty"`
	StreamClosed     bool   `json:"streamClosed,omitempty"`
}

// sseTextual reports whether message payloads can travel in SSE frames
// verbatim; anything else is base64 encoded.
func sseTextual(contentType string) bool {
	mt := strings.ToLower(store.ExtractMediaType(contentType))
	return strings.HasPrefix(mt, "text/") || store.IsJSONContentType(contentType)
}

// writeSSEData emits one "event: data" frame, prefixing every payload line
// per the SSE framing rules.
func writeSSEData(w http.ResponseWriter, payload []byte) {
	fmt.Fprintf(w, "event: data\n")
	for _, line := range strings.Split(string(payload), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprintf(w, "\n")
}

func writeSSEControl(w http.ResponseWriter, control sseControl) {
	payload, _ := json.Marshal(control)
	fmt.Fprintf(w, "event: control\ndata: %s\n\n", payload)
}

// handleSSE streams a stream's tail as server-sent events: data frames per
// message interleaved with control frames carrying the reader's next offset
// and cursor. The connection ends at the reconnect deadline so a caching
// CDN can re-collapse the herd, on stream close, on delete, or on shutdown.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path string, offset engine.Offset, cursor string, fault *Fault) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	textual := sseTextual(meta.ContentType)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if !textual {
		w.Header().Set(HeaderSSEDataEncoding, "base64")
	}

	ctx, cancel := context.WithDeadline(r.Context(), time.Now().Add(time.Duration(h.SSEReconnectInterval)))
	defer cancel()

	conn := &sseConn{cancel: cancel}
	if !h.sse.add(conn) {
		return newHTTPError(http.StatusServiceUnavailable, "shutting down")
	}
	defer h.sse.remove(conn)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	current := offset
	emitControl := true

	for {
		messages, _, err := h.store.Read(path, current)
		if err != nil {
			// Deleted mid-stream: the response just ends.
			return nil
		}

		for _, m := range messages {
			writeSSEData(w, h.encodeSSEPayload(m.Data, meta.ContentType, textual))
			current = m.Offset
			emitControl = true
		}

		st, err := h.store.Get(path)
		if err != nil {
			return nil
		}
		atTail := !current.LessThan(st.CurrentOffset())
		closedAtTail := atTail && st.Closed

		if emitControl || closedAtTail {
			writeSSEControl(w, sseControl{
				StreamNextOffset: current.String(),
				StreamCursor:     generateResponseCursor(cursor),
				UpToDate:         atTail,
				StreamClosed:     closedAtTail,
			})
			emitControl = false
		}

		if fault != nil && fault.SSEEvent != "" {
			fmt.Fprintf(w, "%s\n\n", fault.SSEEvent)
			fault = nil
		}

		flusher.Flush()

		if closedAtTail {
			return nil
		}

		waitCtx, waitCancel := context.WithTimeout(ctx, sseWaitInterval)
		_, _, _, err = h.store.WaitForMessages(waitCtx, path, current, sseWaitInterval)
		waitCancel()
		if errors.Is(err, store.ErrStreamNotFound) {
			return nil
		}
		if ctx.Err() != nil {
			// Reconnect deadline, client disconnect, or shutdown.
			return nil
		}
	}
}

// encodeSSEPayload prepares one message for an SSE data frame.
func (h *Handler) encodeSSEPayload(data []byte, contentType string, textual bool) []byte {
	if !textual {
		encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
		base64.StdEncoding.Encode(encoded, data)
		return encoded
	}
	if store.IsJSONContentType(contentType) {
		return store.FormatSingleJSONMessage(data)
	}
	return data
}
