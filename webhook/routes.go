package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Routes serves the subscription admin surface and the consumer callback
// endpoint. Subscriptions are managed on the stream path itself via the
// `subscription` query parameter; callbacks live under /callback/{id}.
type Routes struct {
	Manager *Manager
}

func NewRoutes(manager *Manager) *Routes {
	return &Routes{Manager: manager}
}

// HandleRequest serves the request when it targets a webhook route and
// reports whether it did.
func (rt *Routes) HandleRequest(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.Path

	if strings.HasPrefix(path, "/callback/") {
		rt.handleCallback(w, r, strings.TrimPrefix(path, "/callback/"))
		return true
	}

	query := r.URL.Query()
	if id := query.Get("subscription"); query.Has("subscription") {
		switch r.Method {
		case http.MethodPut:
			rt.createSubscription(w, r, path, id)
		case http.MethodGet:
			rt.getSubscription(w, id)
		case http.MethodDelete:
			rt.Manager.Registry.DeleteSubscription(id)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return true
	}

	if query.Has("subscriptions") && r.Method == http.MethodGet {
		rt.listSubscriptions(w, path)
		return true
	}
	return false
}

func (rt *Routes) createSubscription(w http.ResponseWriter, r *http.Request, pattern, id string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var parsed struct {
		Webhook     string `json:"webhook"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if parsed.Webhook == "" {
		http.Error(w, "missing required field: webhook", http.StatusBadRequest)
		return
	}

	sub, created, err := rt.Manager.Registry.CreateSubscription(id, pattern, parsed.Webhook, parsed.Description)
	if errors.Is(err, ErrSubscriptionMismatch) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := subscriptionJSON(sub)
	if created {
		// The secret is shown exactly once.
		resp["webhook_secret"] = sub.Secret
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (rt *Routes) getSubscription(w http.ResponseWriter, id string) {
	sub := rt.Manager.Registry.GetSubscription(id)
	if sub == nil {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionJSON(sub))
}

func (rt *Routes) listSubscriptions(w http.ResponseWriter, pattern string) {
	subs := rt.Manager.Registry.ListSubscriptions(pattern)
	items := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		items = append(items, subscriptionJSON(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": items})
}

func subscriptionJSON(sub *Subscription) map[string]any {
	resp := map[string]any{
		"subscription_id": sub.ID,
		"pattern":         sub.Pattern,
		"webhook":         sub.URL,
	}
	if sub.Description != "" {
		resp["description"] = sub.Description
	}
	return resp
}

func (rt *Routes) handleCallback(w http.ResponseWriter, r *http.Request, consumerID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		writeCallbackError(w, http.StatusUnauthorized,
			callbackErr(ErrCodeTokenInvalid, "missing or malformed Authorization header", ""))
		return
	}
	token := strings.TrimPrefix(auth, "Bearer ")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeCallbackError(w, http.StatusBadRequest,
			callbackErr(ErrCodeInvalidRequest, "failed to read request body", ""))
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		writeCallbackError(w, http.StatusBadRequest,
			callbackErr(ErrCodeInvalidRequest, "invalid JSON body", ""))
		return
	}
	if _, ok := raw["epoch"]; !ok {
		writeCallbackError(w, http.StatusBadRequest,
			callbackErr(ErrCodeInvalidRequest, "missing required field: epoch", ""))
		return
	}

	var request CallbackRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeCallbackError(w, http.StatusBadRequest,
			callbackErr(ErrCodeInvalidRequest, "invalid JSON body", ""))
		return
	}

	switch result := rt.Manager.HandleCallback(consumerID, token, request).(type) {
	case CallbackSuccess:
		writeJSON(w, http.StatusOK, result)
	case CallbackError:
		status, ok := errorStatus[result.Error.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeCallbackError(w, status, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeCallbackError(w http.ResponseWriter, status int, v CallbackError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
