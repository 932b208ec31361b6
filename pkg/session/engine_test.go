package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/teslashibe/go-habla/internal/log"
	"github.com/teslashibe/go-habla/pkg/history"
	"github.com/teslashibe/go-habla/pkg/metrics"
	"github.com/teslashibe/go-habla/pkg/realtime"
	"github.com/teslashibe/go-habla/pkg/toolrelay"
)

type fakeConn struct {
	mu     sync.Mutex
	open   bool
	sent   [][]byte
	closed int
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return realtime.ErrChannelNotOpen
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) ChannelOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.closed++
	return nil
}

func (c *fakeConn) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport hands out a new fakeConn per Open and keeps the handlers so
// tests can drive transport callbacks.
type fakeTransport struct {
	mu       sync.Mutex
	err      error
	conns    []*fakeConn
	handlers []realtime.Handlers
	keys     []string

	// failInOpen reports StateFailed before Open returns.
	failInOpen bool
}

func (f *fakeTransport) Open(ctx context.Context, cred realtime.Credential, h realtime.Handlers) (realtime.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, cred.EphemeralKey)
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{}
	f.conns = append(f.conns, c)
	f.handlers = append(f.handlers, h)
	if f.failInOpen {
		h.OnState(realtime.StateFailed)
	}
	return c, nil
}

func (f *fakeTransport) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func (f *fakeTransport) last() (*fakeConn, realtime.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1], f.handlers[len(f.handlers)-1]
}

type fakeCreds struct {
	err error
}

func (f *fakeCreds) Fetch(ctx context.Context, sessionID string) (realtime.Credential, error) {
	if f.err != nil {
		return realtime.Credential{}, f.err
	}
	return realtime.Credential{EphemeralKey: "ek_" + sessionID, SessionID: "sess_" + sessionID}, nil
}

// fakeTranslator answers from a fixed table. When gate is set every call
// waits for it to be closed.
type fakeTranslator struct {
	gate    chan struct{}
	results map[string]TranslationResult
	err     error
}

func (f *fakeTranslator) Translate(ctx context.Context, req TranslationRequest) (TranslationResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return TranslationResult{}, f.err
	}
	return f.results[req.ItemID], nil
}

type memPersister struct {
	mu      sync.Mutex
	records []history.Record
}

func (m *memPersister) SaveTurn(ctx context.Context, rec history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memPersister) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memLoader struct {
	records []history.Record
	summary *history.Summary
}

func (m *memLoader) Turns(ctx context.Context, sessionID string) ([]history.Record, error) {
	return m.records, nil
}

func (m *memLoader) LatestSummary(ctx context.Context, sessionID string) (history.Summary, error) {
	if m.summary == nil {
		return history.Summary{}, history.ErrNotFound
	}
	return *m.summary, nil
}

type noteCollector struct {
	mu    sync.Mutex
	notes []Notification
}

func (c *noteCollector) Notify(n Notification) {
	c.mu.Lock()
	c.notes = append(c.notes, n)
	c.mu.Unlock()
}

func (c *noteCollector) byKind(kind NotificationKind) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Notification
	for _, n := range c.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type okSubmitter struct{}

func (okSubmitter) SubmitToolOutputs(ctx context.Context, s toolrelay.Submission) (string, error) {
	return "queued", nil
}

type engineFixture struct {
	engine     *Engine
	transport  *fakeTransport
	creds      *fakeCreds
	translator *fakeTranslator
	persister  *memPersister
	notes      *noteCollector
	relay      *toolrelay.Relay
}

func newEngineFixture(t *testing.T, loader HistoryLoader, opts ...Option) *engineFixture {
	t.Helper()
	f := &engineFixture{
		transport:  &fakeTransport{},
		creds:      &fakeCreds{},
		translator: &fakeTranslator{results: map[string]TranslationResult{}},
		persister:  &memPersister{},
		notes:      &noteCollector{},
		relay:      toolrelay.New(okSubmitter{}, time.Second, log.Discard()),
	}
	deps := Deps{
		Translator: f.translator,
		Persister:  f.persister,
		Loader:     loader,
		Relay:      f.relay,
		Notifier:   f.notes,
	}
	opts = append([]Option{WithLogger(log.Discard())}, opts...)
	e, err := NewEngine(f.transport, f.creds, deps, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	f.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	return f
}

func (f *engineFixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.engine.Settle(ctx); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

func (f *engineFixture) state(t *testing.T) Snapshot {
	t.Helper()
	snap, err := f.engine.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return snap
}

// connect selects id and brings the transport up with an open channel.
func (f *engineFixture) connect(t *testing.T, id string) (*fakeConn, realtime.Handlers) {
	t.Helper()
	ctx := context.Background()
	if err := f.engine.SetSessionID(ctx, id); err != nil {
		t.Fatalf("SetSessionID: %v", err)
	}
	if err := f.engine.Initiate(ctx, false); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	conn, h := f.transport.last()
	conn.setOpen(true)
	h.OnChannelOpen()
	h.OnState(realtime.StateConnected)
	f.settle(t)
	return conn, h
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(nil, &fakeCreds{}, Deps{}); !errors.Is(err, ErrMissingTransport) {
		t.Errorf("nil transport error = %v", err)
	}
	if _, err := NewEngine(&fakeTransport{}, nil, Deps{}); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("nil credentials error = %v", err)
	}
}

func TestInitiateWithoutSession(t *testing.T) {
	f := newEngineFixture(t, nil)
	if err := f.engine.Initiate(context.Background(), true); !errors.Is(err, ErrNoSession) {
		t.Errorf("Initiate error = %v, want ErrNoSession", err)
	}
	if f.transport.opens() != 0 {
		t.Errorf("transport opened without a session")
	}
}

func TestInitiateLifecycle(t *testing.T) {
	f := newEngineFixture(t, nil)
	var mu sync.Mutex
	var changes []bool
	f.engine.OnConnectionChange(func(c bool) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	first, _ := f.connect(t, "visit-1")
	snap := f.state(t)
	if snap.Connection != ConnConnected || snap.AIState != AIListening || !snap.Ready || !snap.ChannelOpen {
		t.Fatalf("after connect = %+v", snap)
	}
	if f.transport.keys[0] != "ek_visit-1" {
		t.Errorf("credential key = %q", f.transport.keys[0])
	}

	if err := f.engine.Initiate(context.Background(), false); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if f.transport.opens() != 1 {
		t.Errorf("non-user initiate reconnected an open session")
	}

	if err := f.engine.Initiate(context.Background(), true); err != nil {
		t.Fatalf("Initiate(user): %v", err)
	}
	if f.transport.opens() != 2 || first.closeCount() != 1 {
		t.Errorf("user initiate: opens=%d first closed=%d", f.transport.opens(), first.closeCount())
	}
	if got := f.state(t).Connection; got != ConnConnecting {
		t.Errorf("connection = %s, want connecting", got)
	}

	for i := 0; i < 2; i++ {
		if err := f.engine.Close(context.Background(), false, "visit-1"); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	second, _ := f.transport.last()
	if second.closeCount() != 1 {
		t.Errorf("second conn closed %d times", second.closeCount())
	}
	snap = f.state(t)
	if snap.Connection != ConnClosed || snap.AIState != AIIdle || !snap.Ready {
		t.Errorf("after close = %+v", snap)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 3 || !changes[0] || changes[1] || changes[2] {
		t.Errorf("connection changes = %v, want [true false false]", changes)
	}
}

func TestCredentialFailure(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.creds.err = errors.New("backend down")

	ctx := context.Background()
	if err := f.engine.SetSessionID(ctx, "visit-1"); err != nil {
		t.Fatalf("SetSessionID: %v", err)
	}
	err := f.engine.Initiate(ctx, true)
	if !IsCredentialError(err) {
		t.Fatalf("Initiate error = %v, want credential error", err)
	}
	f.settle(t)

	if got := f.state(t).Connection; got != ConnIdle {
		t.Errorf("connection = %s, want idle", got)
	}
	if f.transport.opens() != 0 {
		t.Errorf("transport opened without credentials")
	}
	if len(f.notes.byKind(NotifyToastError)) != 1 {
		t.Errorf("credential failure not surfaced")
	}

	f.creds.err = nil
	if err := f.engine.Initiate(ctx, false); err != nil {
		t.Errorf("retry after credential failure: %v", err)
	}
}

func TestTransportFailures(t *testing.T) {
	t.Run("open error tears down", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		f.transport.err = errors.New("sdp rejected")
		ctx := context.Background()
		if err := f.engine.SetSessionID(ctx, "visit-1"); err != nil {
			t.Fatalf("SetSessionID: %v", err)
		}
		if err := f.engine.Initiate(ctx, false); err == nil {
			t.Fatal("Initiate succeeded")
		}
		f.settle(t)
		snap := f.state(t)
		if snap.Connection == ConnConnecting || snap.Connection == ConnConnected {
			t.Errorf("session left half-open: %s", snap.Connection)
		}
	})

	t.Run("failure while connecting cancels", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		ctx := context.Background()
		if err := f.engine.SetSessionID(ctx, "visit-1"); err != nil {
			t.Fatalf("SetSessionID: %v", err)
		}
		if err := f.engine.Initiate(ctx, false); err != nil {
			t.Fatalf("Initiate: %v", err)
		}
		conn, h := f.transport.last()
		h.OnState(realtime.StateFailed)
		f.settle(t)
		if got := f.state(t).Connection; got != ConnIdle {
			t.Errorf("connection = %s, want idle", got)
		}
		if conn.closeCount() != 1 {
			t.Errorf("conn not released")
		}
	})

	t.Run("failure before open returns", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		ctx := context.Background()
		if err := f.engine.SetSessionID(ctx, "visit-1"); err != nil {
			t.Fatalf("SetSessionID: %v", err)
		}
		f.transport.mu.Lock()
		f.transport.failInOpen = true
		f.transport.mu.Unlock()

		if err := f.engine.Initiate(ctx, false); !errors.Is(err, ErrTransportFailed) {
			t.Fatalf("Initiate error = %v, want ErrTransportFailed", err)
		}
		f.settle(t)
		dead, _ := f.transport.last()
		if got := f.state(t).Connection; got != ConnIdle {
			t.Errorf("connection = %s, want idle", got)
		}
		if dead.closeCount() != 1 {
			t.Fatalf("dead conn closed %d times, want 1", dead.closeCount())
		}

		f.transport.mu.Lock()
		f.transport.failInOpen = false
		f.transport.mu.Unlock()
		if err := f.engine.Initiate(ctx, false); err != nil {
			t.Fatalf("second Initiate: %v", err)
		}
		live, h := f.transport.last()
		h.OnState(realtime.StateConnected)
		f.settle(t)
		if got := f.state(t).Connection; got != ConnConnected {
			t.Errorf("connection = %s, want connected", got)
		}
		if dead.closeCount() != 1 || live.closeCount() != 0 {
			t.Errorf("close counts: dead=%d live=%d", dead.closeCount(), live.closeCount())
		}

		h.OnState(realtime.StateDisconnected)
		f.settle(t)
		if live.closeCount() != 1 {
			t.Errorf("live conn closed %d times after disconnect, want 1", live.closeCount())
		}
	})

	t.Run("disconnect after connect closes", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		conn, h := f.connect(t, "visit-1")
		h.OnState(realtime.StateDisconnected)
		f.settle(t)
		if got := f.state(t).Connection; got != ConnClosed {
			t.Errorf("connection = %s, want closed", got)
		}
		if conn.closeCount() != 1 {
			t.Errorf("conn not released")
		}
	})
}

func TestTranslationMetrics(t *testing.T) {
	m := metrics.New("habla")
	f := newEngineFixture(t, nil, WithMetrics(m))
	f.translator.results["i1"] = result("i1", "hello", "hola", "en", "es")

	_, h := f.connect(t, "visit-1")
	h.OnMessage([]byte(`{"type":"input_audio_buffer.speech_started","item_id":"i1"}`))
	h.OnMessage([]byte(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"i1","transcript":"hello","language_code":"en"}`))
	f.settle(t)

	if got := testutil.ToFloat64(m.TranslationsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok translations = %v, want 1", got)
	}
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var samples uint64
	for _, mf := range families {
		if mf.GetName() == "habla_translation_duration_seconds" {
			samples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	if samples != 1 {
		t.Errorf("latency samples = %d, want 1", samples)
	}
}

func TestEngineTranslatesAndSpeaks(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.translator.results["i1"] = result("i1", "hello", "hola", "en", "es")

	var mu sync.Mutex
	var forwarded []string
	f.engine.OnTranscriptForTranslation(func(transcript, language, itemID string) {
		mu.Lock()
		forwarded = append(forwarded, transcript+"|"+language+"|"+itemID)
		mu.Unlock()
	})

	conn, h := f.connect(t, "visit-1")
	h.OnMessage([]byte(`{"type":"input_audio_buffer.speech_started","item_id":"i1"}`))
	h.OnMessage([]byte(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"i1","transcript":"hello","language_code":"en"}`))
	f.settle(t)

	if conn.sentCount() != 1 {
		t.Fatalf("directives = %d, want 1", conn.sentCount())
	}
	if f.persister.count() != 2 {
		t.Errorf("persisted = %d, want 2", f.persister.count())
	}
	hist, err := f.engine.History(context.Background())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !equalStrings(turnTexts(hist.English), []string{"hello"}) || !equalStrings(turnTexts(hist.Spanish), []string{"hola"}) {
		t.Errorf("history = %+v", hist)
	}
	snap := f.state(t)
	if snap.AIState != AISpeaking || snap.Ready || snap.LastSpoken == nil || snap.LastSpoken.Text != "hola" {
		t.Errorf("snapshot = %+v", snap)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(forwarded) != 1 || forwarded[0] != "hello|en|i1" {
		t.Errorf("forwarded = %v", forwarded)
	}
}

func TestTranslatorErrorBecomesResult(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.translator.err = errors.New("timeout")

	_, h := f.connect(t, "visit-1")
	h.OnMessage([]byte(`{"type":"input_audio_buffer.speech_started","item_id":"i1"}`))
	h.OnMessage([]byte(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"i1","transcript":"hello","language_code":"en"}`))
	f.settle(t)

	toasts := f.notes.byKind(NotifyToastError)
	if len(toasts) != 1 || toasts[0].Message != "Translation failed: timeout" {
		t.Errorf("toasts = %+v", toasts)
	}
	if got := f.state(t).AIState; got != AIListening {
		t.Errorf("ai = %s, want listening", got)
	}
}

func TestCloseDiscardsInFlightRepeat(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.translator.gate = make(chan struct{})
	res := result("r1", "say that again", "repítelo", "en", "es")
	res.IsRepeatRequest = true
	f.translator.results["r1"] = res

	conn, h := f.connect(t, "visit-1")
	h.OnMessage([]byte(`{"type":"input_audio_buffer.speech_started","item_id":"r1"}`))
	h.OnMessage([]byte(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"r1","transcript":"say that again","language_code":"en"}`))

	if err := f.engine.Close(context.Background(), false, ""); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(f.translator.gate)
	f.settle(t)

	if conn.sentCount() != 0 {
		t.Errorf("repeat played after close")
	}
	if p := f.state(t).PendingTTS; p != nil {
		t.Errorf("pending = %+v", p)
	}
}

func TestStaleSessionResultDropped(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.translator.gate = make(chan struct{})
	f.translator.results["i1"] = result("i1", "hello", "hola", "en", "es")

	_, h := f.connect(t, "visit-1")
	h.OnMessage([]byte(`{"type":"input_audio_buffer.speech_started","item_id":"i1"}`))
	h.OnMessage([]byte(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"i1","transcript":"hello","language_code":"en"}`))
	if err := f.engine.SetSessionID(context.Background(), "visit-2"); err != nil {
		t.Fatalf("SetSessionID: %v", err)
	}

	// Callbacks from the old connection must not reach the new session.
	h.OnMessage([]byte(`{"type":"input_audio_buffer.speech_started","item_id":"old"}`))

	close(f.translator.gate)
	f.settle(t)

	hist, _ := f.engine.History(context.Background())
	if len(hist.English)+len(hist.Spanish) != 0 {
		t.Errorf("stale result reached new session: %+v", hist)
	}
	snap := f.state(t)
	if snap.SessionID != "visit-2" || snap.AIState != AIIdle {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSetSessionIDRehydrates(t *testing.T) {
	loader := &memLoader{
		records: []history.Record{
			{ID: "a", Text: "hello", TurnType: history.UserDirectEN, Actor: history.ActorUser},
			{ID: "b", Text: "hola", TurnType: history.UserTranslationToES, Actor: history.ActorUser},
			{ID: "c", Text: "tengo tos", TurnType: history.UserDirectUndetermined, LanguageCode: "es", Actor: history.ActorUser},
		},
		summary: &history.Summary{DetectedActions: []string{"Order lab tests"}},
	}
	f := newEngineFixture(t, loader)

	if err := f.engine.SetSessionID(context.Background(), "visit-9"); err != nil {
		t.Fatalf("SetSessionID: %v", err)
	}
	f.settle(t)

	hist, err := f.engine.History(context.Background())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !equalStrings(turnTexts(hist.English), []string{"hello"}) ||
		!equalStrings(turnTexts(hist.Spanish), []string{"hola", "tengo tos"}) {
		t.Errorf("history = %+v", hist)
	}
	if len(f.notes.byKind(NotifyHistory)) != 1 {
		t.Errorf("history notification missing")
	}
	if got := f.state(t).Connection; got != ConnIdle {
		t.Errorf("connected without AutoConnect: %s", got)
	}
}

func TestAutoConnect(t *testing.T) {
	f := newEngineFixture(t, nil, WithAutoConnect(true))
	if err := f.engine.SetSessionID(context.Background(), "visit-1"); err != nil {
		t.Fatalf("SetSessionID: %v", err)
	}
	f.settle(t)
	if f.transport.opens() != 1 {
		t.Errorf("opens = %d, want 1", f.transport.opens())
	}
}

func TestToolCallsReachRelay(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, h := f.connect(t, "visit-1")

	h.OnMessage([]byte(`{"object":"thread.run","id":"run_1","thread_id":"th_1","status":"requires_action",` +
		`"required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[` +
		`{"id":"call_1","type":"function","function":{"name":"send_lab_order","arguments":"{}"}}]}}}`))
	f.settle(t)
	f.relay.Wait()
	f.settle(t)

	if st := f.engine.Actions()["Order lab tests"]; st.Status != toolrelay.StatusCompleted {
		t.Errorf("status = %+v", st)
	}
	notes := f.notes.byKind(NotifyActionStatus)
	if len(notes) != 3 {
		t.Fatalf("action notifications = %d, want 3", len(notes))
	}
	if last := notes[2].Data.(toolrelay.ActionState); last.Status != toolrelay.StatusCompleted {
		t.Errorf("last status = %s", last.Status)
	}
}

func TestSetTTSEnabled(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	if err := f.engine.SetTTSEnabled(ctx, "en", false); err != nil {
		t.Fatalf("SetTTSEnabled: %v", err)
	}
	if err := f.engine.SetTTSEnabled(ctx, "de", true); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("error = %v", err)
	}
	if snap := f.state(t); snap.TTSEnglish || !snap.TTSSpanish {
		t.Errorf("toggles = %v/%v", snap.TTSEnglish, snap.TTSSpanish)
	}
}
