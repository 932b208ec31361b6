package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-habla/pkg/history"
	"github.com/teslashibe/go-habla/pkg/realtime"
	"github.com/teslashibe/go-habla/pkg/toolrelay"
)

// Engine runs a Session on a single event loop. Transport callbacks,
// translation results and API calls are posted to the loop in order; network
// calls run in their own goroutines and post their results back.
type Engine struct {
	cfg       *Config
	logger    *slog.Logger
	transport realtime.Transport
	creds     CredentialSource
	deps      Deps

	// Owned by the loop.
	sess  *Session
	conn  realtime.Conn
	epoch uint64
	// Epoch of the last attempt whose transport failed before Open returned.
	failedEpoch uint64

	mu      sync.Mutex
	queue   []func()
	signal  chan struct{}
	done    chan struct{}
	stopped bool

	cbMu         sync.RWMutex
	onConnChange []func(bool)
	onTranscript func(transcript, language, itemID string)

	inflight atomic.Int64
}

// NewEngine creates an engine. Run must be started before any other call.
func NewEngine(transport realtime.Transport, creds CredentialSource, deps Deps, opts ...Option) (*Engine, error) {
	if transport == nil {
		return nil, ErrMissingTransport
	}
	if creds == nil {
		return nil, ErrMissingCredentials
	}
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "engine"),
		transport: transport,
		creds:     creds,
		deps:      deps,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	e.sess = New(cfg, effects{e})

	if deps.Relay != nil {
		deps.Relay.OnStatus(func(st toolrelay.ActionState) {
			if st.Status == toolrelay.StatusCompleted || st.Status == toolrelay.StatusError {
				e.cfg.Metrics.ToolSubmission(string(st.Status))
			}
			e.post(func() {
				e.notify(Notification{
					Kind:    NotifyActionStatus,
					Message: st.Label,
					Data:    st,
				})
			})
		})
	}
	return e, nil
}

// Run processes the event loop until ctx is cancelled, then tears down the
// active session.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("engine started")
	defer func() {
		e.closeLocked(false, "")
		e.mu.Lock()
		e.stopped = true
		e.queue = nil
		e.mu.Unlock()
		close(e.done)
		e.logger.Info("engine stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.signal:
			for _, fn := range e.take() {
				fn()
			}
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// post appends fn to the mailbox without blocking.
func (e *Engine) post(fn func()) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Engine) take() []func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queue
	e.queue = nil
	return q
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	e.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-e.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrEngineStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs fn in a tracked goroutine.
func (e *Engine) spawn(fn func()) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Add(-1)
		fn()
	}()
}

// Settle waits until no background task is running and the mailbox has been
// drained. It is meant for tests and orderly shutdown.
func (e *Engine) Settle(ctx context.Context) error {
	for {
		if err := e.call(ctx, func() {}); err != nil {
			return err
		}
		if e.inflight.Load() == 0 {
			if err := e.call(ctx, func() {}); err != nil {
				return err
			}
			if e.inflight.Load() == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// OnConnectionChange registers fn to be called with true when the session
// connects and false when it disconnects. fn runs on the event loop.
func (e *Engine) OnConnectionChange(fn func(connected bool)) {
	e.cbMu.Lock()
	e.onConnChange = append(e.onConnChange, fn)
	e.cbMu.Unlock()
}

// OnTranscriptForTranslation registers fn to be called for every utterance
// sent to translation. fn runs on the event loop and must not block.
func (e *Engine) OnTranscriptForTranslation(fn func(transcript, language, itemID string)) {
	e.cbMu.Lock()
	e.onTranscript = fn
	e.cbMu.Unlock()
}

func (e *Engine) connectionChanged(connected bool) {
	e.cbMu.RLock()
	fns := append([]func(bool){}, e.onConnChange...)
	e.cbMu.RUnlock()
	for _, fn := range fns {
		fn(connected)
	}
}

// SetSessionID selects the conversation. Any open session is closed, history
// is replaced by what the loader returns, and with AutoConnect a connection
// is started in the background.
func (e *Engine) SetSessionID(ctx context.Context, id string) error {
	changed := false
	err := e.call(ctx, func() {
		if id == e.sess.ID() {
			return
		}
		changed = true
		e.closeLocked(true, e.sess.ID())
		e.sess.SetID(id)
		if e.deps.Relay != nil {
			e.deps.Relay.Reset()
		}
	})
	if err != nil || !changed || id == "" {
		return err
	}
	e.logger.Info("session selected", "session_id", id)

	if e.cfg.LoadHistory && e.deps.Loader != nil {
		e.loadHistory(ctx, id)
	}
	if e.cfg.AutoConnect {
		e.spawn(func() {
			if err := e.Initiate(context.Background(), false); err != nil {
				e.logger.Warn("auto connect failed", "session_id", id, "error", err)
			}
		})
	}
	return nil
}

func (e *Engine) loadHistory(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	records, err := e.deps.Loader.Turns(ctx, id)
	if err != nil {
		e.logger.Warn("load history", "session_id", id, "error", err)
	} else {
		store := history.Rehydrate(records)
		e.post(func() {
			if e.sess.ID() != id {
				return
			}
			e.sess.ReplaceHistory(store)
		})
	}

	summary, err := e.deps.Loader.LatestSummary(ctx, id)
	switch {
	case errors.Is(err, history.ErrNotFound):
		e.logger.Debug("no summary for session", "session_id", id)
	case err != nil:
		e.logger.Warn("load summary", "session_id", id, "error", err)
	case e.deps.Relay != nil:
		e.deps.Relay.SyncDetected(summary.DetectedActions)
	}
}

// Initiate connects the selected session. Without userInitiated it is a
// no-op while connected or connecting; with it, the open session is closed
// first. Credential failures leave the session idle and are returned as a
// *CredentialError.
func (e *Engine) Initiate(ctx context.Context, userInitiated bool) error {
	var (
		epoch uint64
		sid   string
		start bool
	)
	err := e.call(ctx, func() {
		sid = e.sess.ID()
		if sid == "" {
			return
		}
		switch e.sess.Conn() {
		case ConnConnected, ConnConnecting:
			if !userInitiated {
				return
			}
			e.closeLocked(true, sid)
		}
		e.epoch++
		epoch = e.epoch
		e.sess.BeginConnecting()
		e.cfg.Metrics.Session("connecting", false)
		start = true
	})
	if err != nil {
		return err
	}
	if sid == "" {
		return ErrNoSession
	}
	if !start {
		return nil
	}
	return e.connect(ctx, epoch, sid)
}

func (e *Engine) connect(ctx context.Context, epoch uint64, sid string) error {
	logger := e.logger.With("session_id", sid)

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	cred, err := e.creds.Fetch(fetchCtx, sid)
	cancel()
	if err != nil {
		logger.Error("fetch credential", "error", err)
		e.post(func() {
			if e.epoch != epoch {
				return
			}
			e.sess.CancelConnecting()
			e.sess.toastError(fmt.Sprintf("Failed to get session credentials: %v", err))
		})
		return &CredentialError{Cause: err}
	}

	conn, err := e.transport.Open(ctx, cred, e.handlers(epoch))
	if err != nil {
		logger.Error("open realtime session", "error", err)
		e.post(func() {
			if e.epoch != epoch {
				return
			}
			e.sess.toastError(fmt.Sprintf("Connection failed: %v", err))
			e.closeLocked(false, sid)
		})
		return err
	}

	var stale error
	err = e.call(context.Background(), func() {
		switch {
		case e.epoch == epoch:
			e.conn = conn
			e.sess.Kick()
		case e.failedEpoch == epoch:
			stale = ErrTransportFailed
		default:
			stale = ErrSuperseded
		}
	})
	if err == nil {
		err = stale
	}
	if err != nil {
		conn.Close()
		logger.Info("connect attempt abandoned", "error", err)
		return err
	}
	logger.Info("realtime session opened")
	return nil
}

// handlers binds transport callbacks to one connect attempt.
func (e *Engine) handlers(epoch uint64) realtime.Handlers {
	guard := func(fn func()) {
		e.post(func() {
			if e.epoch != epoch {
				return
			}
			fn()
		})
	}
	return realtime.Handlers{
		OnState: func(st realtime.State) {
			guard(func() { e.onTransportState(st) })
		},
		OnMessage: func(data []byte) {
			guard(func() { e.sess.HandleMessage(data) })
		},
		OnChannelOpen: func() {
			guard(func() {
				e.logger.Info("event channel open")
				e.sess.Kick()
			})
		},
		OnChannelClose: func() {
			guard(func() { e.logger.Info("event channel closed") })
		},
	}
}

func (e *Engine) onTransportState(st realtime.State) {
	switch {
	case st == realtime.StateConnected:
		if e.sess.Conn() == ConnConnected {
			return
		}
		e.sess.MarkConnected()
		e.cfg.Metrics.Session("connected", true)
		e.connectionChanged(true)
	case st.Terminal():
		switch e.sess.Conn() {
		case ConnConnected:
			e.logger.Warn("transport lost", "state", st)
			e.closeLocked(false, e.sess.ID())
		case ConnConnecting:
			e.logger.Warn("transport failed while connecting", "state", st)
			// Later callbacks and a still-pending Open of this attempt are stale.
			e.failedEpoch = e.epoch
			e.epoch++
			e.releaseConn()
			e.sess.CancelConnecting()
		}
	}
}

// Close tears down the active session. It is idempotent.
func (e *Engine) Close(ctx context.Context, newSessionRequested bool, hint string) error {
	return e.call(ctx, func() {
		e.closeLocked(newSessionRequested, hint)
	})
}

func (e *Engine) closeLocked(newSessionRequested bool, hint string) {
	e.epoch++
	if hint != "" && hint != e.sess.ID() {
		e.logger.Debug("close hint does not match active session", "hint", hint, "session_id", e.sess.ID())
	}
	prev := e.sess.Conn()
	e.releaseConn()
	e.sess.Teardown()
	if newSessionRequested {
		e.sess.lastSpoken = nil
	}
	if prev == ConnConnected || prev == ConnConnecting {
		e.logger.Info("session closed", "session_id", e.sess.ID(), "new_session", newSessionRequested)
		e.cfg.Metrics.Session("closed", false)
		e.connectionChanged(false)
	}
}

func (e *Engine) releaseConn() {
	if e.conn == nil {
		return
	}
	if err := e.conn.Close(); err != nil {
		e.logger.Debug("close realtime conn", "error", err)
	}
	e.conn = nil
}

// SetTTSEnabled toggles playback for "en" or "es".
func (e *Engine) SetTTSEnabled(ctx context.Context, lang string, on bool) error {
	var err error
	if cerr := e.call(ctx, func() { err = e.sess.SetTTSEnabled(lang, on) }); cerr != nil {
		return cerr
	}
	return err
}

// State returns a snapshot of the session.
func (e *Engine) State(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.call(ctx, func() { snap = e.sess.Snapshot() })
	return snap, err
}

// History returns both per-language logs.
func (e *Engine) History(ctx context.Context) (history.Snapshot, error) {
	var snap history.Snapshot
	err := e.call(ctx, func() { snap = e.sess.History() })
	return snap, err
}

// Actions returns the status of every known action label.
func (e *Engine) Actions() map[string]toolrelay.ActionState {
	if e.deps.Relay == nil {
		return map[string]toolrelay.ActionState{}
	}
	return e.deps.Relay.Statuses()
}

func (e *Engine) notify(n Notification) {
	if e.deps.Notifier == nil {
		return
	}
	if n.SessionID == "" {
		n.SessionID = e.sess.ID()
	}
	if n.Time.IsZero() {
		n.Time = e.cfg.Now()
	}
	e.deps.Notifier.Notify(n)
}

// translate dispatches a request and posts the result back to the loop.
func (e *Engine) translate(req TranslationRequest) {
	e.cbMu.RLock()
	cb := e.onTranscript
	e.cbMu.RUnlock()
	if cb != nil {
		cb(req.Transcript, req.SourceLanguage, req.ItemID)
	}

	tr := e.deps.Translator
	if tr == nil {
		return
	}
	e.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()

		start := time.Now()
		res, err := tr.Translate(ctx, req)
		e.cfg.Metrics.TranslationLatency(time.Since(start))
		if err != nil {
			res = TranslationResult{Error: fmt.Sprintf("Translation failed: %v", err)}
		}
		if res.OriginalItemID == "" {
			res.OriginalItemID = req.ItemID
		}
		e.post(func() {
			if e.sess.ID() != req.SessionID {
				e.logger.Info("translation result for stale session dropped",
					"item_id", req.ItemID, "session_id", req.SessionID)
				return
			}
			e.sess.ApplyTranslation(res)
		})
	})
}

func (e *Engine) persist(rec history.Record) {
	p := e.deps.Persister
	if p == nil {
		return
	}
	e.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()
		if err := p.SaveTurn(ctx, rec); err != nil {
			e.cfg.Metrics.PersistError()
			e.logger.Warn("persist turn", "id", rec.ID, "session_id", rec.SessionID, "error", err)
		}
	})
}

// effects adapts the engine to the Session's side-effect interface. Every
// method runs on the loop.
type effects struct{ e *Engine }

func (f effects) Persist(rec history.Record)       { f.e.persist(rec) }
func (f effects) Translate(req TranslationRequest) { f.e.translate(req) }
func (f effects) Notify(n Notification)            { f.e.notify(n) }

func (f effects) Send(data []byte) error {
	if f.e.conn == nil {
		return realtime.ErrChannelNotOpen
	}
	return f.e.conn.Send(data)
}

func (f effects) ChannelOpen() bool {
	return f.e.conn != nil && f.e.conn.ChannelOpen()
}

func (f effects) SubmitTool(call toolrelay.PendingCall) bool {
	if f.e.deps.Relay == nil {
		f.e.logger.Warn("tool call without relay", "tool", call.ToolName)
		return false
	}
	return f.e.deps.Relay.Add(call)
}
