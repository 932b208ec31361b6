package session

import (
	"context"

	"github.com/teslashibe/go-habla/pkg/history"
	"github.com/teslashibe/go-habla/pkg/realtime"
	"github.com/teslashibe/go-habla/pkg/toolrelay"
)

// CredentialSource mints the short-lived key for one realtime session.
type CredentialSource interface {
	Fetch(ctx context.Context, sessionID string) (realtime.Credential, error)
}

// Translator translates a finalized utterance. A returned error is turned
// into a result with Error set.
type Translator interface {
	Translate(ctx context.Context, req TranslationRequest) (TranslationResult, error)
}

// Persister stores turns. Writes are idempotent on record id.
type Persister interface {
	SaveTurn(ctx context.Context, rec history.Record) error
}

// HistoryLoader reads back a session's stored turns and latest summary.
// LatestSummary returns history.ErrNotFound when none exists.
type HistoryLoader interface {
	Turns(ctx context.Context, sessionID string) ([]history.Record, error)
	LatestSummary(ctx context.Context, sessionID string) (history.Summary, error)
}

// Notifier receives notifications. Notify must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

// ToolRelay is the subset of *toolrelay.Relay the engine drives.
type ToolRelay interface {
	Add(call toolrelay.PendingCall) bool
	OnStatus(fn func(toolrelay.ActionState))
	Statuses() map[string]toolrelay.ActionState
	SyncDetected(labels []string)
	Reset()
}

// Deps groups the engine's optional collaborators.
type Deps struct {
	Translator Translator
	Persister  Persister
	Loader     HistoryLoader
	Relay      ToolRelay
	Notifier   Notifier
}
