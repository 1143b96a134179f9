// Package jmap implements the client side of RFC 8620 (JMAP core) and
// RFC 8621 (JMAP mail) needed by the connection core: session
// discovery, batched method calls with back-references, and
// state-token-driven change replay.
//
// Grounded on original_source/melib/src/backends/jmap/protocol.rs's
// Request/seq-numbered-method-call/MethodResponse shape (the "#m{seq}"
// back-reference convention mirrored below as "#seq"/"/ids" result
// references), translated from Rust's serde_json::Value bag into Go's
// net/http + encoding/json — no third-party JSON or HTTP client
// appears anywhere in the retrieved corpus's complete repos, so a
// stdlib client is the norm here, not an exception (see DESIGN.md).
// Concurrency is capped at one in-flight request per account via a
// buffered channel token, mirroring the teacher's
// smtp/smtpclient.Client.limiter pattern (spec.md §5).
package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"meli.sh/mailcore"
)

// Session is the JMAP session object discovered from the well-known
// URL (RFC 8620 §2).
type Session struct {
	APIURL         string            `json:"apiUrl"`
	DownloadURL    string            `json:"downloadUrl"`
	UploadURL      string            `json:"uploadUrl"`
	EventSourceURL string            `json:"eventSourceUrl"`
	Accounts       map[string]string `json:"-"` // accountId -> name, flattened from the raw accounts object
	PrimaryMail    string            `json:"-"` // primaryAccounts["urn:ietf:params:jmap:mail"]
	State          string            `json:"state"`
}

// rawSession mirrors the wire shape before PrimaryMail/Accounts are
// extracted from it.
type rawSession struct {
	APIURL          string                     `json:"apiUrl"`
	DownloadURL     string                     `json:"downloadUrl"`
	UploadURL       string                     `json:"uploadUrl"`
	EventSourceURL  string                     `json:"eventSourceUrl"`
	Accounts        map[string]json.RawMessage `json:"accounts"`
	PrimaryAccounts map[string]string          `json:"primaryAccounts"`
	State           string                     `json:"state"`
}

// Engine drives one account's JMAP traffic: session discovery,
// request construction, and Email/Mailbox/Thread change replay.
type Engine struct {
	httpClient *http.Client
	sessionURL string
	authToken  string // bearer token, sent as Authorization: Bearer <token>
	logf       func(format string, v ...interface{})

	limiter chan struct{} // one in-flight request per account, spec.md §5

	mu       sync.Mutex
	session  *Session
	requests uint64 // atomic via sync/atomic, not the mutex

	// stateTokens tracks the last-seen JMAP "state" string per object
	// type ("Email", "Mailbox", "Thread"), so *Changes calls replay
	// only what changed since the last call.
	stateTokens map[string]string

	onlineSince time.Time
	onlineErr   error
}

// NewEngine builds an Engine for the well-known session discovery URL.
// httpClient may be nil, in which case http.DefaultClient is used.
func NewEngine(sessionURL, authToken string, httpClient *http.Client, logf func(format string, v ...interface{})) *Engine {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Engine{
		httpClient:  httpClient,
		sessionURL:  sessionURL,
		authToken:   authToken,
		logf:        logf,
		limiter:     make(chan struct{}, 1),
		stateTokens: make(map[string]string),
	}
}

// Session performs (or returns the cached result of) session
// discovery (RFC 8620 §2).
func (e *Engine) Session(ctx context.Context) (*Session, error) {
	e.mu.Lock()
	if e.session != nil {
		s := *e.session
		e.mu.Unlock()
		return &s, nil
	}
	e.mu.Unlock()

	var raw rawSession
	if err := e.getJSON(ctx, e.sessionURL, &raw); err != nil {
		return nil, mailcore.Errorf(mailcore.KindNetwork, "jmap.Engine.Session", err)
	}

	s := &Session{
		APIURL:         raw.APIURL,
		DownloadURL:    raw.DownloadURL,
		UploadURL:      raw.UploadURL,
		EventSourceURL: raw.EventSourceURL,
		State:          raw.State,
		Accounts:       make(map[string]string, len(raw.Accounts)),
		PrimaryMail:    raw.PrimaryAccounts["urn:ietf:params:jmap:mail"],
	}
	for id := range raw.Accounts {
		s.Accounts[id] = id
	}

	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
	e.markOnline(nil)
	return s, nil
}

// EventSourceURL returns the session's push-subscription URL so a
// caller can wire its own SSE/WebSocket loop; Engine itself does not
// maintain a live push connection (spec.md's "treated as external
// collaborator" boundary for anything beyond the connection core).
func (e *Engine) EventSourceURL(ctx context.Context) (string, error) {
	s, err := e.Session(ctx)
	if err != nil {
		return "", err
	}
	return s.EventSourceURL, nil
}

// nextSeq returns the next back-reference sequence number ("m{n}" per
// the original's format!("m{}", seq) convention).
func (e *Engine) nextSeq() string {
	n := atomic.AddUint64(&e.requests, 1)
	return fmt.Sprintf("m%d", n)
}

// MethodCall is one entry of a JMAP request's methodCalls array:
// [name, arguments, clientID] (RFC 8620 §3.2).
type MethodCall struct {
	Name      string
	Arguments map[string]interface{}
	ClientID  string
}

func (m MethodCall) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{m.Name, m.Arguments, m.ClientID})
}

// MethodResponse is one entry of a JMAP response's methodResponses
// array.
type MethodResponse struct {
	Name      string
	Arguments json.RawMessage
	ClientID  string
}

func (m *MethodResponse) UnmarshalJSON(b []byte) error {
	var triple [3]json.RawMessage
	if err := json.Unmarshal(b, &triple); err != nil {
		return err
	}
	if err := json.Unmarshal(triple[0], &m.Name); err != nil {
		return err
	}
	m.Arguments = triple[1]
	return json.Unmarshal(triple[2], &m.ClientID)
}

type requestBody struct {
	Using       []string     `json:"using"`
	MethodCalls []MethodCall `json:"methodCalls"`
}

type responseBody struct {
	MethodResponses []MethodResponse `json:"methodResponses"`
}

// Request issues one or more method calls in a single batched HTTP
// request, honoring Engine's one-in-flight-request limiter, and
// returns the method responses in call order (RFC 8620 §3.3).
// Each call's Arguments may reference an earlier call's result via the
// standard JMAP "#property" result-reference convention; callers build
// that map themselves — Request only transports the batch.
func (e *Engine) Request(ctx context.Context, calls []MethodCall) ([]MethodResponse, error) {
	for i := range calls {
		if calls[i].ClientID == "" {
			calls[i].ClientID = e.nextSeq()
		}
	}
	session, err := e.Session(ctx)
	if err != nil {
		return nil, err
	}

	body := requestBody{
		Using:       []string{"urn:ietf:params:jmap:core", "urn:ietf:params:jmap:mail"},
		MethodCalls: calls,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, mailcore.Errorf(mailcore.KindValueError, "jmap.Engine.Request", err)
	}

	select {
	case e.limiter <- struct{}{}:
	case <-ctx.Done():
		return nil, mailcore.Errorf(mailcore.KindTimeout, "jmap.Engine.Request", ctx.Err())
	}
	defer func() { <-e.limiter }()

	var resp responseBody
	if err := e.postJSON(ctx, session.APIURL, payload, &resp); err != nil {
		e.markOnline(err)
		return nil, mailcore.Errorf(mailcore.KindNetwork, "jmap.Engine.Request", err)
	}
	e.markOnline(nil)
	return resp.MethodResponses, nil
}

func (e *Engine) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	e.setAuth(req)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jmap: GET %s: status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (e *Engine) postJSON(ctx context.Context, url string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	e.setAuth(req)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jmap: POST %s: status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (e *Engine) setAuth(req *http.Request) {
	if e.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.authToken)
	}
}

func (e *Engine) markOnline(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onlineSince = time.Now()
	e.onlineErr = err
}

// OnlineStatus reports the account's last-recorded online status
// (spec.md §3's "online status record").
func (e *Engine) OnlineStatus() (at time.Time, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onlineSince, e.onlineErr
}
