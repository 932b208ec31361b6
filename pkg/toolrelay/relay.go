// Package toolrelay submits outputs for model-initiated tool calls.
//
// Each accepted call is submitted on its own goroutine. Submission order
// across calls is not guaranteed; the status of one call always moves
// pending then completed or error, and the call leaves the pending set in
// either case. Nothing is retried.
package toolrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle of an action surfaced to the user.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusInvoked   Status = "invoked"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ActionLabels maps supported tool names to human-readable actions.
var ActionLabels = map[string]string{
	"send_lab_order":                "Order lab tests",
	"schedule_followup_appointment": "Schedule a follow-up appointment",
}

// LabelFor returns the action label for a tool name.
func LabelFor(toolName string) (string, bool) {
	label, ok := ActionLabels[toolName]
	return label, ok
}

// ErrMissingRun indicates a call without run or thread correlation.
var ErrMissingRun = errors.New("toolrelay: run id and thread id are required")

// PendingCall is one tool call awaiting submission.
type PendingCall struct {
	ID          string `json:"id"`
	ToolName    string `json:"tool_name"`
	ActionLabel string `json:"action_label"`
	Arguments   string `json:"arguments"`
	RunID       string `json:"run_id"`
	ThreadID    string `json:"thread_id"`
}

// ToolOutput is one entry of a submission.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// Submission is the payload for the run-submission endpoint.
type Submission struct {
	ThreadID    string       `json:"threadId"`
	RunID       string       `json:"runId"`
	ToolOutputs []ToolOutput `json:"toolOutputs"`
}

// Submitter delivers tool outputs and returns the resulting run status.
type Submitter interface {
	SubmitToolOutputs(ctx context.Context, s Submission) (string, error)
}

// ActionState is the current status of one action label.
type ActionState struct {
	Label     string    `json:"label"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MockOutput builds the synthetic output reported for a call.
func MockOutput(toolName string) string {
	b, _ := json.Marshal(struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}{true, fmt.Sprintf("Mock %s executed.", toolName)})
	return string(b)
}

// Relay tracks pending calls and their action statuses.
type Relay struct {
	submitter Submitter
	timeout   time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	pending  map[string]PendingCall
	statuses map[string]ActionState
	onStatus func(ActionState)

	wg sync.WaitGroup
}

// New creates a relay. timeout bounds each submission; zero means 30s.
func New(submitter Submitter, timeout time.Duration, logger *slog.Logger) *Relay {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		submitter: submitter,
		timeout:   timeout,
		logger:    logger.With("component", "toolrelay"),
		pending:   make(map[string]PendingCall),
		statuses:  make(map[string]ActionState),
	}
}

// OnStatus registers a callback invoked after every status change. It is
// called without the relay lock held, possibly from a submission goroutine.
func (r *Relay) OnStatus(fn func(ActionState)) {
	r.mu.Lock()
	r.onStatus = fn
	r.mu.Unlock()
}

// Add records call as invoked and starts its submission. Duplicate ids are
// ignored and return false.
func (r *Relay) Add(call PendingCall) bool {
	if call.RunID == "" || call.ThreadID == "" {
		r.logger.Error("tool call without run correlation", "tool_call_id", call.ID, "error", ErrMissingRun)
		return false
	}

	r.mu.Lock()
	if _, dup := r.pending[call.ID]; dup {
		r.mu.Unlock()
		r.logger.Debug("duplicate tool call ignored", "tool_call_id", call.ID)
		return false
	}
	r.pending[call.ID] = call
	st := r.setLocked(call.ActionLabel, StatusInvoked, "")
	cb := r.onStatus
	r.wg.Add(1)
	r.mu.Unlock()

	notify(cb, st)
	r.logger.Info("tool call queued", "tool", call.ToolName, "tool_call_id", call.ID, "action", call.ActionLabel)

	go r.submit(call)
	return true
}

func (r *Relay) submit(call PendingCall) {
	defer r.wg.Done()

	r.update(call.ActionLabel, StatusPending, "")

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	runStatus, err := r.submitter.SubmitToolOutputs(ctx, Submission{
		ThreadID:    call.ThreadID,
		RunID:       call.RunID,
		ToolOutputs: []ToolOutput{{ToolCallID: call.ID, Output: MockOutput(call.ToolName)}},
	})

	r.mu.Lock()
	delete(r.pending, call.ID)
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("tool output submission failed", "tool", call.ToolName, "tool_call_id", call.ID, "error", err)
		r.update(call.ActionLabel, StatusError, err.Error())
		return
	}
	r.logger.Info("tool output submitted", "tool", call.ToolName, "tool_call_id", call.ID, "run_status", runStatus)
	r.update(call.ActionLabel, StatusCompleted, "")
}

func (r *Relay) update(label string, status Status, msg string) {
	r.mu.Lock()
	st := r.setLocked(label, status, msg)
	cb := r.onStatus
	r.mu.Unlock()
	notify(cb, st)
}

func (r *Relay) setLocked(label string, status Status, msg string) ActionState {
	st := ActionState{Label: label, Status: status, Error: msg, UpdatedAt: time.Now()}
	r.statuses[label] = st
	return st
}

func notify(cb func(ActionState), st ActionState) {
	if cb != nil {
		cb(st)
	}
}

// Pending returns the calls still awaiting submission, ordered by id.
func (r *Relay) Pending() []PendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingCall, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Statuses returns the status of every known action label. Labels from
// ActionLabels that were never invoked report StatusIdle.
func (r *Relay) Statuses() map[string]ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ActionState, len(ActionLabels))
	for _, label := range ActionLabels {
		out[label] = ActionState{Label: label, Status: StatusIdle}
	}
	for label, st := range r.statuses {
		out[label] = st
	}
	return out
}

// SyncDetected keeps only the statuses of actions listed in a fetched
// summary, resetting the rest to idle.
func (r *Relay) SyncDetected(labels []string) {
	keep := make(map[string]bool, len(labels))
	for _, l := range labels {
		keep[l] = true
	}
	r.mu.Lock()
	for label := range r.statuses {
		if !keep[label] {
			delete(r.statuses, label)
		}
	}
	r.mu.Unlock()
}

// Reset forgets every status. Calls already submitting still finish.
func (r *Relay) Reset() {
	r.mu.Lock()
	r.statuses = make(map[string]ActionState)
	r.mu.Unlock()
}

// Wait blocks until every started submission has finished.
func (r *Relay) Wait() {
	r.wg.Wait()
}
