package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	livenessTimeout   = 45 * time.Second
	deliveryTimeout   = 30 * time.Second
	maxRetryDelay     = 30 * time.Second
	steadyRetryDelay  = 60 * time.Second
	failureGCDuration = 3 * 24 * time.Hour
)

// Manager drives the wake cycle: stream activity wakes idle consumers with a
// signed delivery, consumers answer on the callback endpoint, and liveness
// timeouts put silent consumers back to idle.
type Manager struct {
	Registry *Registry

	callbackBase string
	tail         func(path string) string
	client       *http.Client
	logger       *zap.Logger

	mu           sync.Mutex
	shuttingDown bool
}

// NewManager builds a manager. tail must return the stream's current tail
// offset in wire format (and the zero offset for unknown paths).
func NewManager(callbackBase string, tail func(string) string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		Registry:     NewRegistry(),
		callbackBase: callbackBase,
		tail:         tail,
		client:       &http.Client{Timeout: deliveryTimeout},
		logger:       logger,
	}
}

// OnStreamCreated attaches consumers for every subscription matching the new
// path.
func (m *Manager) OnStreamCreated(path string) {
	if m.isShuttingDown() {
		return
	}
	for _, sub := range m.Registry.MatchingSubscriptions(path) {
		m.Registry.EnsureConsumer(sub.ID, path)
	}
}

// OnStreamAppend wakes idle consumers of the stream that have unacked work.
func (m *Manager) OnStreamAppend(path string) {
	if m.isShuttingDown() {
		return
	}

	for _, id := range m.Registry.ConsumersForStream(path) {
		consumer := m.Registry.GetConsumer(id)
		if consumer == nil || consumer.State != StateIdle {
			continue
		}
		if m.Registry.hasPendingWork(consumer, m.tail) {
			m.wake(consumer, []string{path})
		}
	}
}

// OnStreamDeleted detaches the stream from every consumer.
func (m *Manager) OnStreamDeleted(path string) {
	m.Registry.DetachStreamEverywhere(path)
}

func (m *Manager) wake(consumer *Consumer, triggeredBy []string) {
	sub := m.Registry.GetSubscription(consumer.SubscriptionID)
	if sub == nil {
		m.Registry.RemoveConsumer(consumer.ID)
		return
	}

	epoch, wakeID := m.Registry.beginWake(consumer)
	payload := map[string]any{
		"consumer_id":    consumer.ID,
		"epoch":          epoch,
		"wake_id":        wakeID,
		"primary_stream": consumer.PrimaryStream,
		"streams":        m.Registry.streamEntries(consumer),
		"triggered_by":   triggeredBy,
		"callback":       m.callbackBase + "/callback/" + consumer.ID,
		"token":          newToken(consumer.ID, epoch),
	}

	go m.deliver(consumer, sub, payload)
}

func (m *Manager) deliver(consumer *Consumer, sub *Subscription, payload map[string]any) {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		m.deliveryFailed(consumer, sub, payload, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Webhook-Signature", SignPayload(string(body), sub.Secret))

	resp, err := m.client.Do(req)
	if err != nil {
		m.deliveryFailed(consumer, sub, payload, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if !consumer.WakeClaimed && consumer.State == StateWaking {
			m.scheduleRetry(consumer, sub, payload)
		}
		return
	}

	consumer.FirstFailureAt = nil
	consumer.LastFailureAt = nil
	consumer.RetryCount = 0

	// A consumer may answer "done" inline instead of calling back.
	var inline struct {
		Done *bool `json:"done"`
	}
	respBody, _ := io.ReadAll(resp.Body)
	json.Unmarshal(respBody, &inline)

	if inline.Done != nil && *inline.Done {
		consumer.WakeClaimed = true
		for path := range consumer.Streams {
			consumer.Streams[path] = m.tail(path)
		}
		m.Registry.toIdle(consumer)
		return
	}

	if consumer.State == StateWaking {
		consumer.WakeClaimed = true
		consumer.State = StateLive
		consumer.LastCallbackAt = time.Now()
		m.armLiveness(consumer)
	}
}

func (m *Manager) deliveryFailed(consumer *Consumer, sub *Subscription, payload map[string]any, err error) {
	m.logger.Debug("webhook delivery failed",
		zap.String("consumer", consumer.ID),
		zap.Error(err))

	now := time.Now()
	consumer.LastFailureAt = &now
	if consumer.FirstFailureAt == nil {
		consumer.FirstFailureAt = &now
	}

	if time.Since(*consumer.FirstFailureAt) > failureGCDuration {
		m.Registry.RemoveConsumer(consumer.ID)
		return
	}
	if consumer.State == StateWaking {
		m.scheduleRetry(consumer, sub, payload)
	}
}

func (m *Manager) scheduleRetry(consumer *Consumer, sub *Subscription, payload map[string]any) {
	if m.isShuttingDown() {
		return
	}

	consumer.RetryCount++
	delay := m.retryDelay(consumer.RetryCount)

	consumer.cancelRetry()
	cancel := make(chan struct{})
	consumer.retryCancel = cancel

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			if consumer.State == StateWaking && !consumer.WakeClaimed && !m.isShuttingDown() {
				m.deliver(consumer, sub, payload)
			}
		case <-cancel:
		}
	}()
}

// retryDelay backs off exponentially for the first attempts, then settles
// into a steady cadence, jittered either way.
func (m *Manager) retryDelay(retryCount int) time.Duration {
	if retryCount > 10 {
		return steadyRetryDelay + time.Duration(rand.Intn(5000))*time.Millisecond
	}
	base := math.Min(math.Pow(2, float64(retryCount))*100, float64(maxRetryDelay/time.Millisecond))
	return time.Duration(base)*time.Millisecond + time.Duration(rand.Intn(1000))*time.Millisecond
}

// HandleCallback processes one authenticated callback request and returns
// either CallbackSuccess or CallbackError.
func (m *Manager) HandleCallback(consumerID, token string, request CallbackRequest) any {
	consumer := m.Registry.GetConsumer(consumerID)
	if consumer == nil {
		return callbackErr(ErrCodeConsumerGone, "consumer instance not found", "")
	}

	check := checkToken(token, consumerID)
	if !check.valid {
		if check.code == ErrCodeTokenExpired {
			return callbackErr(ErrCodeTokenExpired, "callback token has expired",
				newToken(consumerID, consumer.Epoch))
		}
		return callbackErr(ErrCodeTokenInvalid, "callback token is invalid", "")
	}

	if request.Epoch != consumer.Epoch {
		return callbackErr(ErrCodeStaleEpoch,
			fmt.Sprintf("epoch %d does not match current epoch %d", request.Epoch, consumer.Epoch),
			newToken(consumerID, consumer.Epoch))
	}

	if request.WakeID != "" && !m.Registry.claimWake(consumer, request.WakeID) {
		return callbackErr(ErrCodeAlreadyClaimed,
			fmt.Sprintf("wake id %s is invalid or already claimed", request.WakeID),
			newToken(consumerID, consumer.Epoch))
	}

	consumer.LastCallbackAt = time.Now()
	m.armLiveness(consumer)

	if len(request.Acks) > 0 {
		m.Registry.applyAcks(consumer, request.Acks)
	}
	if len(request.Subscribe) > 0 {
		m.Registry.attachStreams(consumer, request.Subscribe, m.tail)
	}
	if len(request.Unsubscribe) > 0 {
		if m.Registry.detachStreams(consumer, request.Unsubscribe) {
			m.Registry.RemoveConsumer(consumerID)
			return callbackErr(ErrCodeConsumerGone,
				"consumer removed after unsubscribing from all streams", "")
		}
	}

	if request.Done != nil && *request.Done {
		m.Registry.toIdle(consumer)
		if m.Registry.hasPendingWork(consumer, m.tail) {
			m.wake(consumer, []string{consumer.PrimaryStream})
		}
	}

	responseToken := token
	if tokenNeedsRefresh(check.exp) {
		responseToken = newToken(consumerID, consumer.Epoch)
	}
	return CallbackSuccess{
		OK:      true,
		Token:   responseToken,
		Streams: m.Registry.streamEntries(consumer),
	}
}

func callbackErr(code, message, token string) CallbackError {
	return CallbackError{
		OK:    false,
		Error: CallbackErrorObj{Code: code, Message: message},
		Token: token,
	}
}

func (m *Manager) armLiveness(consumer *Consumer) {
	consumer.cancelLiveness()
	cancel := make(chan struct{})
	consumer.livenessCancel = cancel

	go func() {
		timer := time.NewTimer(livenessTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			if consumer.State == StateLive && !m.isShuttingDown() {
				m.Registry.toIdle(consumer)
				if m.Registry.hasPendingWork(consumer, m.tail) {
					m.wake(consumer, []string{consumer.PrimaryStream})
				}
			}
		case <-cancel:
		}
	}()
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Shutdown stops wakes and retries and clears all consumer state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()
	m.Registry.Shutdown()
}
