package jmap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionDiscoveryIsCachedAfterFirstCall(t *testing.T) {
	calls := 0
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"apiUrl":         "http://example/api",
			"eventSourceUrl": "http://example/events",
			"state":          "s1",
			"accounts":       map[string]interface{}{"u1": map[string]interface{}{}},
			"primaryAccounts": map[string]string{
				"urn:ietf:params:jmap:mail": "u1",
			},
		})
	})

	e := NewEngine(srv.URL, "", nil, nil)
	ctx := context.Background()
	s1, err := e.Session(ctx)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s1.PrimaryMail != "u1" || s1.APIURL != "http://example/api" {
		t.Fatalf("unexpected session: %+v", s1)
	}
	if _, err := e.Session(ctx); err != nil {
		t.Fatalf("second Session: %v", err)
	}
	if calls != 1 {
		t.Fatalf("session endpoint called %d times, want 1 (cached)", calls)
	}
}

func TestRequestAssignsSequentialClientIDs(t *testing.T) {
	var gotIDs []string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"apiUrl": "", // filled below via r.Host
			})
			return
		}
		var body requestBody
		json.NewDecoder(r.Body).Decode(&body)
		for _, c := range body.MethodCalls {
			gotIDs = append(gotIDs, c.ClientID)
		}
		json.NewEncoder(w).Encode(responseBody{
			MethodResponses: []MethodResponse{
				{Name: body.MethodCalls[0].Name, Arguments: json.RawMessage(`{}`), ClientID: body.MethodCalls[0].ClientID},
				{Name: body.MethodCalls[1].Name, Arguments: json.RawMessage(`{}`), ClientID: body.MethodCalls[1].ClientID},
			},
		})
	})

	// apiUrl must point back at srv.URL; rebuild session endpoint to
	// report the real server URL as apiUrl.
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jmap", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"apiUrl": srv.URL,
		})
	})
	sessionSrv := httptest.NewServer(mux)
	t.Cleanup(sessionSrv.Close)

	e := NewEngine(sessionSrv.URL+"/.well-known/jmap", "", nil, nil)
	ctx := context.Background()
	_, err := e.Request(ctx, []MethodCall{
		{Name: "Mailbox/get", Arguments: map[string]interface{}{}},
		{Name: "Email/query", Arguments: map[string]interface{}{}},
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(gotIDs) != 2 || gotIDs[0] == gotIDs[1] || gotIDs[0] == "" || gotIDs[1] == "" {
		t.Fatalf("expected two distinct non-empty client ids, got %v", gotIDs)
	}
}

func TestRequestLimiterBlocksSecondInFlightCall(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	apiSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		json.NewEncoder(w).Encode(responseBody{
			MethodResponses: []MethodResponse{{Name: "Mailbox/get", Arguments: json.RawMessage(`{}`), ClientID: "m1"}},
		})
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jmap", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"apiUrl": apiSrv.URL})
	})
	sessionSrv := httptest.NewServer(mux)
	t.Cleanup(sessionSrv.Close)

	e := NewEngine(sessionSrv.URL+"/.well-known/jmap", "", nil, nil)
	// Warm the session cache outside the timed race below.
	if _, err := e.Session(context.Background()); err != nil {
		t.Fatalf("Session: %v", err)
	}

	done := make(chan struct{})
	go func() {
		e.Request(context.Background(), []MethodCall{{Name: "Mailbox/get", Arguments: map[string]interface{}{}}})
		close(done)
	}()

	<-started // first request is now inside the handler, holding the limiter

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Request(ctx, []MethodCall{{Name: "Mailbox/get", Arguments: map[string]interface{}{}}})
	if err == nil {
		t.Fatal("expected second concurrent Request to be blocked by the one-in-flight limiter and time out")
	}

	close(release)
	<-done
}

func TestGetMailboxesParsesList(t *testing.T) {
	apiSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(responseBody{
			MethodResponses: []MethodResponse{
				{
					Name: "Mailbox/get",
					Arguments: json.RawMessage(`{"list":[
						{"id":"mb1","name":"Inbox","role":"inbox","totalEmails":3,"unreadEmails":1}
					]}`),
					ClientID: "m1",
				},
			},
		})
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jmap", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"apiUrl": apiSrv.URL})
	})
	sessionSrv := httptest.NewServer(mux)
	t.Cleanup(sessionSrv.Close)

	e := NewEngine(sessionSrv.URL+"/.well-known/jmap", "", nil, nil)
	boxes, err := e.GetMailboxes(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetMailboxes: %v", err)
	}
	if len(boxes) != 1 || boxes[0].Name != "Inbox" || boxes[0].UnreadEmails != 1 {
		t.Fatalf("unexpected mailboxes: %+v", boxes)
	}
	if boxes[0].MailboxHash == 0 {
		t.Fatal("expected a non-zero derived MailboxHash")
	}
}

func TestFetchStoresBaselineStateOnFirstCall(t *testing.T) {
	requests := 0
	apiSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		queryResp, _ := json.Marshal(map[string]interface{}{"ids": []string{"e1"}})
		getResp, _ := json.Marshal(map[string]interface{}{
			"state": "S1",
			"list":  []EmailInfo{{ID: "e1"}},
		})
		json.NewEncoder(w).Encode(responseBody{
			MethodResponses: []MethodResponse{
				{Name: "Email/query", Arguments: queryResp, ClientID: "q1"},
				{Name: "Email/get", Arguments: getResp, ClientID: "g1"},
			},
		})
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jmap", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"apiUrl": apiSrv.URL})
	})
	sessionSrv := httptest.NewServer(mux)
	t.Cleanup(sessionSrv.Close)

	e := NewEngine(sessionSrv.URL+"/.well-known/jmap", "", nil, nil)
	list, err := e.Fetch(context.Background(), "u1", "mbox1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(list) != 1 || list[0].ID != "e1" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if requests != 1 {
		t.Fatalf("expected no EmailChanges call on first Fetch, got %d requests", requests)
	}
	e.mu.Lock()
	got := e.stateTokens["Email"]
	e.mu.Unlock()
	if got != "S1" {
		t.Fatalf("stateTokens[Email] = %q, want S1", got)
	}
}

func TestFetchTriggersEmailChangesWhenStateAdvances(t *testing.T) {
	requests := 0
	apiSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			queryResp, _ := json.Marshal(map[string]interface{}{"ids": []string{"e1"}})
			getResp, _ := json.Marshal(map[string]interface{}{
				"state": "S1",
				"list":  []EmailInfo{{ID: "e1"}},
			})
			json.NewEncoder(w).Encode(responseBody{
				MethodResponses: []MethodResponse{
					{Name: "Email/query", Arguments: queryResp, ClientID: "q1"},
					{Name: "Email/get", Arguments: getResp, ClientID: "g1"},
				},
			})
			return
		}
		page, _ := json.Marshal(MailboxChanges{NewState: "S1", Updated: []string{"e1"}, HasMoreChanges: false})
		json.NewEncoder(w).Encode(responseBody{
			MethodResponses: []MethodResponse{{Name: "Email/changes", Arguments: page, ClientID: "c1"}},
		})
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jmap", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"apiUrl": apiSrv.URL})
	})
	sessionSrv := httptest.NewServer(mux)
	t.Cleanup(sessionSrv.Close)

	e := NewEngine(sessionSrv.URL+"/.well-known/jmap", "", nil, nil)
	e.mu.Lock()
	e.stateTokens["Email"] = "S0"
	e.mu.Unlock()

	if _, err := e.Fetch(context.Background(), "u1", "mbox1"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if requests != 2 {
		t.Fatalf("expected Fetch to trigger a follow-up Email/changes call, got %d requests", requests)
	}
	e.mu.Lock()
	got := e.stateTokens["Email"]
	e.mu.Unlock()
	if got != "S1" {
		t.Fatalf("stateTokens[Email] = %q, want S1", got)
	}
}

func TestMailboxChangesSinceReplaysUntilNotHasMore(t *testing.T) {
	page := 0
	apiSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		page++
		var resp MailboxChanges
		if page == 1 {
			resp = MailboxChanges{NewState: "s2", Created: []string{"a"}, HasMoreChanges: true}
		} else {
			resp = MailboxChanges{NewState: "s3", Created: []string{"b"}, HasMoreChanges: false}
		}
		b, _ := json.Marshal(resp)
		json.NewEncoder(w).Encode(responseBody{
			MethodResponses: []MethodResponse{{Name: "Mailbox/changes", Arguments: b, ClientID: "m1"}},
		})
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jmap", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"apiUrl": apiSrv.URL})
	})
	sessionSrv := httptest.NewServer(mux)
	t.Cleanup(sessionSrv.Close)

	e := NewEngine(sessionSrv.URL+"/.well-known/jmap", "", nil, nil)
	total, err := e.MailboxChangesSince(context.Background(), "u1", "s1")
	if err != nil {
		t.Fatalf("MailboxChangesSince: %v", err)
	}
	if total.NewState != "s3" || len(total.Created) != 2 {
		t.Fatalf("unexpected accumulated changes: %+v", total)
	}
	if page != 2 {
		t.Fatalf("expected two pages fetched, got %d", page)
	}
}
