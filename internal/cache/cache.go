package cache

import (
	"context"
	"errors"
)

// Categories form the flat (category, id) namespace of change signals.
const (
	CategoryTaskStatus       = "task_status"
	CategoryWorkflowRunning  = "workflow_running"
	CategoryWorkflowActivity = "workflow_activity"
	CategoryUserHistory      = "user_history"
	CategoryUserNotification = "user_notification"
	CategoryClientStatus     = "client_status"
)

// ErrCacheMiss is returned by Get when no value is stored. Entries expire on a
// TTL, so a miss means "unknown", not a definitive negative.
var ErrCacheMiss = errors.New("cache miss")

// Handler receives the JSON-encoded value stored for a key.
type Handler func(data []byte)

// CategoryHandler receives the key id and JSON-encoded value for any Set
// within a category.
type CategoryHandler func(id string, data []byte)

// Store is a key/value cache with category- and key-scoped change signals.
// Set persists a value with a bounded TTL and emits two signals, one for the
// exact (category, id) key and one for the whole category. Signal delivery is
// best-effort: a failing subscriber never affects the Set caller.
//
// Two backends implement Store: an in-process one, correct within a single
// instance, and a NATS-backed one for multi-instance deployments. Values are
// JSON-encoded in both so call sites behave identically regardless of backend.
type Store interface {
	Set(ctx context.Context, category, id string, v any) error
	Get(ctx context.Context, category, id string, out any) error
	// On registers a key-scoped listener. The returned cancel function is
	// idempotent and safe to call from inside the handler.
	On(category, id string, fn Handler) (cancel func())
	// OnCategory registers a listener for every key in a category.
	OnCategory(category string, fn CategoryHandler) (cancel func())
	Close() error
}

// categoryEvent is the envelope published on category-scoped signals.
type categoryEvent struct {
	ID    string `json:"id"`
	Value []byte `json:"value"`
}
