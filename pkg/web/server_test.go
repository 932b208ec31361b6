package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/teslashibe/go-habla/pkg/history"
	"github.com/teslashibe/go-habla/pkg/hub"
	"github.com/teslashibe/go-habla/pkg/metrics"
	"github.com/teslashibe/go-habla/pkg/session"
	"github.com/teslashibe/go-habla/pkg/toolrelay"
)

type fakeController struct {
	mu          sync.Mutex
	id          string
	conn        session.ConnState
	tts         map[string]bool
	calls       []string
	initiateErr error
	closeErr    error
}

func newFakeController() *fakeController {
	return &fakeController{tts: map[string]bool{"en": true, "es": true}}
}

func (f *fakeController) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeController) SetSessionID(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("select:" + id)
	f.id = id
	return nil
}

func (f *fakeController) Initiate(_ context.Context, userInitiated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("initiate:%t", userInitiated))
	if f.initiateErr != nil {
		return f.initiateErr
	}
	if f.id == "" {
		return session.ErrNoSession
	}
	f.conn = session.ConnConnecting
	return nil
}

func (f *fakeController) Close(_ context.Context, newSessionRequested bool, hint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("close:%t:%s", newSessionRequested, hint))
	if f.closeErr != nil {
		return f.closeErr
	}
	f.conn = session.ConnClosed
	return nil
}

func (f *fakeController) State(context.Context) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Snapshot{
		SessionID:  f.id,
		Connection: f.conn,
		TTSEnglish: f.tts["en"],
		TTSSpanish: f.tts["es"],
	}, nil
}

func (f *fakeController) History(context.Context) (history.Snapshot, error) {
	return history.Snapshot{
		English: []history.Turn{{ID: "t1", Text: "I have a fever", Type: history.UserTranslationToEN}},
		Spanish: []history.Turn{{ID: "t0", Text: "tengo fiebre", Type: history.UserDirectES}},
	}, nil
}

func (f *fakeController) Actions() map[string]toolrelay.ActionState {
	return map[string]toolrelay.ActionState{
		"Order lab tests": {Label: "Order lab tests", Status: toolrelay.StatusCompleted},
	}
}

func (f *fakeController) SetTTSEnabled(_ context.Context, lang string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lang != "en" && lang != "es" {
		return fmt.Errorf("%w: %q", session.ErrUnsupportedLanguage, lang)
	}
	f.tts[lang] = on
	return nil
}

func do(t *testing.T, s *Server, method, target, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func decodeState(t *testing.T, data []byte) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode state %s: %v", data, err)
	}
	return snap
}

func TestHealth(t *testing.T) {
	s := NewServer(Config{}, newFakeController(), nil)
	code, body := do(t, s, http.MethodGet, "/health", "")
	if code != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("health = %d %s", code, body)
	}
}

func TestSessionLifecycleRoutes(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(Config{}, ctrl, nil)

	code, body := do(t, s, http.MethodPost, "/api/session/initiate", "")
	if code != http.StatusConflict {
		t.Fatalf("initiate without session = %d %s", code, body)
	}

	code, body = do(t, s, http.MethodPost, "/api/sessions/visit-42", "")
	if code != http.StatusOK || decodeState(t, body).SessionID != "visit-42" {
		t.Fatalf("select = %d %s", code, body)
	}

	code, body = do(t, s, http.MethodPost, "/api/session/initiate?new=true", "")
	if code != http.StatusOK || decodeState(t, body).Connection != session.ConnConnecting {
		t.Fatalf("initiate = %d %s", code, body)
	}

	code, body = do(t, s, http.MethodPost, "/api/session/close?hint=visit-42", "")
	if code != http.StatusOK || decodeState(t, body).Connection != session.ConnClosed {
		t.Fatalf("close = %d %s", code, body)
	}

	want := []string{
		"initiate:true",
		"select:visit-42",
		"close:true:",
		"initiate:true",
		"close:false:visit-42",
	}
	if strings.Join(ctrl.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", ctrl.calls, want)
	}
}

func TestInvalidQuery(t *testing.T) {
	s := NewServer(Config{}, newFakeController(), nil)
	code, body := do(t, s, http.MethodPost, "/api/session/close?new=maybe", "")
	if code != http.StatusBadRequest || !strings.Contains(string(body), "invalid new parameter") {
		t.Fatalf("close = %d %s", code, body)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"credentials", &session.CredentialError{Cause: fmt.Errorf("boom")}, http.StatusBadGateway},
		{"stopped", session.ErrEngineStopped, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"superseded", session.ErrSuperseded, http.StatusConflict},
		{"transport failed", session.ErrTransportFailed, http.StatusBadGateway},
		{"other", fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.id = "visit-42"
			ctrl.initiateErr = tt.err
			s := NewServer(Config{}, ctrl, nil)

			code, body := do(t, s, http.MethodPost, "/api/session/initiate", "")
			if code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", code, tt.want, body)
			}
			var payload map[string]string
			if err := json.Unmarshal(body, &payload); err != nil || payload["error"] == "" {
				t.Errorf("error body = %s", body)
			}
		})
	}
}

func TestHistoryAndActions(t *testing.T) {
	s := NewServer(Config{}, newFakeController(), nil)

	code, body := do(t, s, http.MethodGet, "/api/session/history", "")
	if code != http.StatusOK {
		t.Fatalf("history = %d", code)
	}
	var snap history.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(snap.English) != 1 || len(snap.Spanish) != 1 || snap.Spanish[0].Text != "tengo fiebre" {
		t.Errorf("history = %+v", snap)
	}

	code, body = do(t, s, http.MethodGet, "/api/actions", "")
	if code != http.StatusOK {
		t.Fatalf("actions = %d", code)
	}
	var actions map[string]toolrelay.ActionState
	if err := json.Unmarshal(body, &actions); err != nil {
		t.Fatalf("decode actions: %v", err)
	}
	if actions["Order lab tests"].Status != toolrelay.StatusCompleted {
		t.Errorf("actions = %+v", actions)
	}
}

func TestSetTTS(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"disable spanish", "/api/tts/es", `{"enabled":false}`, http.StatusOK},
		{"missing field", "/api/tts/es", `{}`, http.StatusBadRequest},
		{"bad json", "/api/tts/es", `{"enabled":`, http.StatusBadRequest},
		{"unsupported language", "/api/tts/fr", `{"enabled":true}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{}, newFakeController(), nil)
			code, body := do(t, s, http.MethodPut, tt.target, tt.body)
			if code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", code, tt.want, body)
			}
			if code == http.StatusOK && decodeState(t, body).TTSSpanish {
				t.Errorf("spanish tts still enabled")
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New("habla")
	m.Event("transcription_completed")
	s := NewServer(Config{Metrics: m.Handler()}, newFakeController(), nil)

	code, body := do(t, s, http.MethodGet, "/metrics", "")
	if code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
	if !strings.Contains(string(body), "habla_") {
		t.Errorf("metrics body missing namespace:\n%s", body)
	}
}

func TestEventsRequireUpgrade(t *testing.T) {
	s := NewServer(Config{}, newFakeController(), nil)
	if code, _ := do(t, s, http.MethodGet, "/ws/events", ""); code != http.StatusNotFound {
		t.Errorf("without hub = %d, want 404", code)
	}

	s = NewServer(Config{}, newFakeController(), hub.New("events", nil))
	if code, _ := do(t, s, http.MethodGet, "/ws/events", ""); code != http.StatusUpgradeRequired {
		t.Errorf("plain GET = %d, want 426", code)
	}
}
