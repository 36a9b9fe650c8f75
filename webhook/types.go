// Package webhook wakes external consumers when streams they subscribe to
// gain messages. A subscription pairs a path glob with a delivery URL; each
// matching stream gets a consumer instance that cycles idle -> waking ->
// live, acknowledging offsets through a token-authenticated callback.
package webhook

import (
	"sync"
	"time"
)

// State is a consumer's position in the wake cycle.
type State string

const (
	StateIdle   State = "IDLE"
	StateWaking State = "WAKING"
	StateLive   State = "LIVE"
)

// Subscription pairs a stream path glob with a delivery URL.
type Subscription struct {
	ID          string `json:"subscription_id"`
	Pattern     string `json:"pattern"`
	URL         string `json:"webhook"`
	Secret      string `json:"webhook_secret,omitempty"`
	Description string `json:"description,omitempty"`
}

// Consumer tracks one subscription + stream pairing. Acked offsets are the
// wire-format offset strings; their lexicographic order is their logical
// order, so plain string comparison decides whether work is pending.
type Consumer struct {
	mu sync.Mutex

	ID             string
	SubscriptionID string
	PrimaryStream  string
	State          State
	Epoch          int
	WakeID         string
	WakeClaimed    bool
	Streams        map[string]string // path -> last acked offset
	LastCallbackAt time.Time

	FirstFailureAt *time.Time
	LastFailureAt  *time.Time
	RetryCount     int

	retryCancel    chan struct{}
	livenessCancel chan struct{}
}

func (c *Consumer) cancelRetry() {
	if c.retryCancel != nil {
		close(c.retryCancel)
		c.retryCancel = nil
	}
}

func (c *Consumer) cancelLiveness() {
	if c.livenessCancel != nil {
		close(c.livenessCancel)
		c.livenessCancel = nil
	}
}

// CallbackRequest is the body a consumer posts to its callback endpoint.
type CallbackRequest struct {
	Epoch       int      `json:"epoch"`
	WakeID      string   `json:"wake_id,omitempty"`
	Acks        []Ack    `json:"acks,omitempty"`
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
	Done        *bool    `json:"done,omitempty"`
}

// Ack acknowledges everything up to an offset on one stream.
type Ack struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// StreamEntry reports a consumer's acked offset for one stream.
type StreamEntry struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// CallbackSuccess is the 200 response to a valid callback.
type CallbackSuccess struct {
	OK      bool          `json:"ok"`
	Token   string        `json:"token"`
	Streams []StreamEntry `json:"streams"`
}

// CallbackError is the response to a rejected callback.
type CallbackError struct {
	OK    bool             `json:"ok"`
	Error CallbackErrorObj `json:"error"`
	Token string           `json:"token,omitempty"`
}

type CallbackErrorObj struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeTokenExpired   = "TOKEN_EXPIRED"
	ErrCodeTokenInvalid   = "TOKEN_INVALID"
	ErrCodeAlreadyClaimed = "ALREADY_CLAIMED"
	ErrCodeStaleEpoch     = "STALE_EPOCH"
	ErrCodeConsumerGone   = "CONSUMER_GONE"
)

var errorStatus = map[string]int{
	ErrCodeInvalidRequest: 400,
	ErrCodeTokenExpired:   401,
	ErrCodeTokenInvalid:   401,
	ErrCodeAlreadyClaimed: 409,
	ErrCodeStaleEpoch:     409,
	ErrCodeConsumerGone:   410,
}
