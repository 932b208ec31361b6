// Package backend talks to the conversation backend: credential minting,
// translation, turn persistence, summaries and tool-output submission.
//
// Client satisfies session.CredentialSource, session.Translator,
// session.Persister, session.HistoryLoader and toolrelay.Submitter.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teslashibe/go-habla/internal/httpc"
	"github.com/teslashibe/go-habla/pkg/history"
	"github.com/teslashibe/go-habla/pkg/realtime"
	"github.com/teslashibe/go-habla/pkg/session"
	"github.com/teslashibe/go-habla/pkg/toolrelay"
)

// Endpoint paths relative to the base URL.
const (
	PathSession       = "/api/openai-session"
	PathTranslate     = "/api/translate-text"
	PathMessages      = "/api/messages"
	PathSummary       = "/api/summary"
	PathSubmitOutputs = "/api/submit-tool-outputs"
)

// Client is a backend API client.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the shared HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpc.Client,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "backend")
	return c
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	start := time.Now()
	err := httpc.DoJSON(ctx, c.http, method, u, in, out)
	c.logger.Debug("backend request", "method", method, "path", path, "duration", time.Since(start), "error", err)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, asAPIError(err))
	}
	return nil
}

// Fetch mints an ephemeral credential for a realtime session.
func (c *Client) Fetch(ctx context.Context, sessionID string) (realtime.Credential, error) {
	var cred realtime.Credential
	if err := c.do(ctx, http.MethodPost, PathSession, nil, nil, &cred); err != nil {
		return realtime.Credential{}, err
	}
	if cred.EphemeralKey == "" {
		return realtime.Credential{}, ErrMissingKey
	}
	c.logger.Info("credential minted", "session_id", sessionID, "realtime_session", cred.SessionID)
	return cred, nil
}

// translateRequest is the wire body of PathTranslate. A missing source
// language asks the backend to detect it.
type translateRequest struct {
	Transcript     string `json:"transcript"`
	SourceLanguage string `json:"source_language,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// Translate sends an utterance for translation and intent classification.
func (c *Client) Translate(ctx context.Context, req session.TranslationRequest) (session.TranslationResult, error) {
	src := req.SourceLanguage
	if src == history.CodeUndetermined {
		src = ""
	}
	var res session.TranslationResult
	err := c.do(ctx, http.MethodPost, PathTranslate, nil, translateRequest{
		Transcript:     req.Transcript,
		SourceLanguage: src,
		SessionID:      req.SessionID,
	}, &res)
	if err != nil {
		return session.TranslationResult{}, err
	}
	res.OriginalItemID = req.ItemID
	return res, nil
}

// SaveTurn stores a turn. The backend ignores ids it already has.
func (c *Client) SaveTurn(ctx context.Context, rec history.Record) error {
	return c.do(ctx, http.MethodPost, PathMessages, nil, rec, nil)
}

// Turns returns the stored turns of a session in timestamp order.
func (c *Client) Turns(ctx context.Context, sessionID string) ([]history.Record, error) {
	var recs []history.Record
	q := url.Values{"session_id": {sessionID}}
	if err := c.do(ctx, http.MethodGet, PathMessages, q, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// wireSummary tolerates detected_actions stored either as an array or as a
// JSON-encoded string.
type wireSummary struct {
	SessionID       string          `json:"session_id"`
	SummaryText     string          `json:"summary_text"`
	DetectedActions json.RawMessage `json:"detected_actions"`
	CreatedAt       time.Time       `json:"created_at"`
}

// LatestSummary returns the newest summary of a session, or
// history.ErrNotFound.
func (c *Client) LatestSummary(ctx context.Context, sessionID string) (history.Summary, error) {
	var ws wireSummary
	q := url.Values{"session_id": {sessionID}}
	if err := c.do(ctx, http.MethodGet, PathSummary, q, nil, &ws); err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return history.Summary{}, history.ErrNotFound
		}
		return history.Summary{}, err
	}
	actions, err := decodeActions(ws.DetectedActions)
	if err != nil {
		return history.Summary{}, fmt.Errorf("backend: decode detected_actions: %w", err)
	}
	return history.Summary{
		SessionID:       ws.SessionID,
		SummaryText:     ws.SummaryText,
		DetectedActions: actions,
		CreatedAt:       ws.CreatedAt,
	}, nil
}

func decodeActions(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		if strings.TrimSpace(inner) == "" {
			return nil, nil
		}
		raw = json.RawMessage(inner)
	}
	var actions []string
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

type submitResponse struct {
	Success   bool   `json:"success"`
	RunStatus string `json:"runStatus"`
}

// SubmitToolOutputs delivers tool outputs and returns the run status.
func (c *Client) SubmitToolOutputs(ctx context.Context, s toolrelay.Submission) (string, error) {
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, PathSubmitOutputs, nil, s, &resp); err != nil {
		return "", err
	}
	return resp.RunStatus, nil
}

var (
	_ session.CredentialSource = (*Client)(nil)
	_ session.Translator       = (*Client)(nil)
	_ session.Persister        = (*Client)(nil)
	_ session.HistoryLoader    = (*Client)(nil)
	_ toolrelay.Submitter      = (*Client)(nil)
)
