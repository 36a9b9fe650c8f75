package streamhouse

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Fault describes one injected failure for test harnesses. Path is matched
// exactly; an empty Method matches every verb. Count limits how many
// requests consume the fault (default 1); Probability gates each request
// independently (default 1.0).
type Fault struct {
	Path          string  `json:"path"`
	Method        string  `json:"method,omitempty"`
	Count         int     `json:"count,omitempty"`
	Probability   float64 `json:"probability,omitempty"`
	Status        int     `json:"status,omitempty"`
	RetryAfter    int     `json:"retryAfter,omitempty"`
	DelayMs       int     `json:"delayMs,omitempty"`
	JitterMs      int     `json:"jitterMs,omitempty"`
	Drop          bool    `json:"drop,omitempty"`
	TruncateBytes int     `json:"truncateBytes,omitempty"`
	CorruptBytes  int     `json:"corruptBytes,omitempty"`
	SSEEvent      string  `json:"sseEvent,omitempty"`
}

type faultEntry struct {
	Fault
	remaining int
}

// faultTable holds installed faults. All access goes through the mutex; the
// table is tiny and only populated in test deployments.
type faultTable struct {
	mu     sync.Mutex
	faults []*faultEntry
}

func newFaultTable() *faultTable {
	return &faultTable{}
}

func (t *faultTable) install(f Fault) {
	count := f.Count
	if count <= 0 {
		count = 1
	}
	t.mu.Lock()
	t.faults = append(t.faults, &faultEntry{Fault: f, remaining: count})
	t.mu.Unlock()
}

// clear removes faults matching path and method; an empty path clears all.
func (t *faultTable) clear(path, method string) {
	t.mu.Lock()
	if path == "" {
		t.faults = nil
	} else {
		kept := t.faults[:0]
		for _, e := range t.faults {
			if e.Path != path || (method != "" && e.Method != method) {
				kept = append(kept, e)
			}
		}
		t.faults = kept
	}
	t.mu.Unlock()
}

// consume finds a fault for this request, rolls its probability gate and
// decrements its count. A fault whose count reaches zero is removed.
func (t *faultTable) consume(path, method string) *Fault {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.faults {
		if e.Path != path {
			continue
		}
		if e.Method != "" && e.Method != method {
			continue
		}
		if e.Probability > 0 && e.Probability < 1 && rand.Float64() >= e.Probability {
			continue
		}
		e.remaining--
		if e.remaining <= 0 {
			t.faults = append(t.faults[:i], t.faults[i+1:]...)
		}
		f := e.Fault
		return &f
	}
	return nil
}

// applyPreFault handles the request-phase effects of a fault: delay, status
// injection, connection drop. It reports whether the request was fully
// answered by the fault.
func (h *Handler) applyPreFault(w http.ResponseWriter, f *Fault) bool {
	if f.DelayMs > 0 || f.JitterMs > 0 {
		delay := time.Duration(f.DelayMs) * time.Millisecond
		if f.JitterMs > 0 {
			delay += time.Duration(rand.Intn(f.JitterMs+1)) * time.Millisecond
		}
		time.Sleep(delay)
	}

	if f.Drop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return true
			}
		}
		w.WriteHeader(http.StatusBadGateway)
		return true
	}

	if f.Status != 0 {
		if f.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(f.RetryAfter))
		}
		w.WriteHeader(f.Status)
		return true
	}

	return false
}

// shapeBody applies the response-phase effects of a fault to a formatted
// body: truncation and byte corruption.
func shapeBody(f *Fault, body []byte) []byte {
	if f == nil {
		return body
	}
	if f.TruncateBytes > 0 && len(body) > f.TruncateBytes {
		body = body[:f.TruncateBytes]
	}
	if f.CorruptBytes > 0 && len(body) > 0 {
		corrupted := make([]byte, len(body))
		copy(corrupted, body)
		for i := 0; i < f.CorruptBytes; i++ {
			corrupted[rand.Intn(len(corrupted))] ^= 0xFF
		}
		body = corrupted
	}
	return body
}

// handleInjectError installs a fault (POST) or clears faults (DELETE).
func (h *Handler) handleInjectError(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodPost:
		var f Fault
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid fault definition")
		}
		if f.Path == "" {
			return newHTTPError(http.StatusBadRequest, "fault path is required")
		}
		h.faults.install(f)
		h.logger.Info("fault installed",
			zap.String("path", f.Path),
			zap.String("fault_method", f.Method),
			zap.Int("status", f.Status))
		w.WriteHeader(http.StatusNoContent)
		return nil

	case http.MethodDelete:
		var f Fault
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
				return newHTTPError(http.StatusBadRequest, "invalid fault selector")
			}
		}
		h.faults.clear(f.Path, f.Method)
		w.WriteHeader(http.StatusNoContent)
		return nil

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
}
