// Mail-specific JMAP method helpers: Mailbox/get, Mailbox/changes,
// Email/query, Email/get, Email/changes, and Thread/get, built on top
// of Engine.Request's generic batching.
//
// Grounded on original_source/melib/src/backends/jmap/protocol.rs's
// get_mailboxes/get_message_list functions, which build a single
// Mailbox/get + Email/query + Email/get batch with #ids back-
// references rather than three round trips; mirrored below via
// MethodCall.Arguments entries of the form
// map[string]interface{}{"resultOf": seq, "name": "...", "path": "/ids"}
// (RFC 8620 §3.7's back-reference object shape).
package jmap

import (
	"context"
	"encoding/json"
	"fmt"

	"meli.sh/mailcore"
)

// MailboxInfo is the subset of a JMAP Mailbox object this core cares
// about (RFC 8621 §2).
type MailboxInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ParentID     string `json:"parentId"`
	Role         string `json:"role"`
	TotalEmails  int    `json:"totalEmails"`
	UnreadEmails int    `json:"unreadEmails"`
	SortOrder    int    `json:"sortOrder"`

	MailboxHash mailcore.MailboxHash `json:"-"`
}

// GetMailboxes fetches every mailbox visible in accountID (RFC 8621 §2.1).
func (e *Engine) GetMailboxes(ctx context.Context, accountID string) ([]MailboxInfo, error) {
	resp, err := e.Request(ctx, []MethodCall{
		{
			Name: "Mailbox/get",
			Arguments: map[string]interface{}{
				"accountId": accountID,
				"ids":       nil,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "jmap.Engine.GetMailboxes", fmt.Errorf("empty response"))
	}
	var body struct {
		List []MailboxInfo `json:"list"`
	}
	if err := json.Unmarshal(resp[0].Arguments, &body); err != nil {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "jmap.Engine.GetMailboxes", err)
	}
	for i := range body.List {
		body.List[i].MailboxHash = mailcore.HashMailbox(body.List[i].ID)
	}
	return body.List, nil
}

// MailboxChanges is the result of Mailbox/changes (RFC 8620 §5.2).
type MailboxChanges struct {
	OldState       string   `json:"oldState"`
	NewState       string   `json:"newState"`
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Destroyed      []string `json:"destroyed"`
	HasMoreChanges bool     `json:"hasMoreChanges"`
}

// MailboxChangesSince replays every Mailbox/changes page starting from
// sinceState until hasMoreChanges is false, returning the cumulative
// result and the final state token to persist for the next call.
func (e *Engine) MailboxChangesSince(ctx context.Context, accountID, sinceState string) (MailboxChanges, error) {
	var total MailboxChanges
	total.OldState = sinceState
	state := sinceState
	for {
		resp, err := e.Request(ctx, []MethodCall{
			{
				Name: "Mailbox/changes",
				Arguments: map[string]interface{}{
					"accountId":  accountID,
					"sinceState": state,
				},
			},
		})
		if err != nil {
			return total, err
		}
		if len(resp) == 0 {
			return total, mailcore.Errorf(mailcore.KindProtocolError, "jmap.Engine.MailboxChangesSince", fmt.Errorf("empty response"))
		}
		var page MailboxChanges
		if err := json.Unmarshal(resp[0].Arguments, &page); err != nil {
			return total, mailcore.Errorf(mailcore.KindProtocolError, "jmap.Engine.MailboxChangesSince", err)
		}
		total.Created = append(total.Created, page.Created...)
		total.Updated = append(total.Updated, page.Updated...)
		total.Destroyed = append(total.Destroyed, page.Destroyed...)
		total.NewState = page.NewState
		state = page.NewState
		if !page.HasMoreChanges {
			break
		}
	}
	e.mu.Lock()
	e.stateTokens["Mailbox"] = total.NewState
	e.mu.Unlock()
	return total, nil
}

// EmailInfo is the subset of a JMAP Email object needed to populate an
// envelope.Envelope (RFC 8621 §4.1).
type EmailInfo struct {
	ID         string          `json:"id"`
	ThreadID   string          `json:"threadId"`
	MessageID  []string        `json:"messageId"`
	InReplyTo  []string        `json:"inReplyTo"`
	References []string        `json:"references"`
	Subject    string          `json:"subject"`
	ReceivedAt string          `json:"receivedAt"`
	Keywords   map[string]bool `json:"keywords"`
	MailboxIDs map[string]bool `json:"mailboxIds"`
}

// Fetch runs Mailbox/get (filtered to mailboxID) + Email/query +
// Email/get as a single batch, wiring Email/query's result ids into
// Email/get via a back-reference — mirroring
// protocol.rs's get_message_list, which does the same three-call
// batch with a `#ids` resultOf reference rather than three trips.
func (e *Engine) Fetch(ctx context.Context, accountID, mailboxID string) ([]EmailInfo, error) {
	queryCall := MethodCall{
		Name: "Email/query",
		Arguments: map[string]interface{}{
			"accountId": accountID,
			"filter":    map[string]interface{}{"inMailbox": mailboxID},
			"sort":      []map[string]interface{}{{"property": "receivedAt", "isAscending": false}},
		},
	}
	queryCall.ClientID = e.nextSeq()

	getCall := MethodCall{
		Name: "Email/get",
		Arguments: map[string]interface{}{
			"accountId": accountID,
			"#ids": map[string]interface{}{
				"resultOf": queryCall.ClientID,
				"name":     "Email/query",
				"path":     "/ids",
			},
			"properties": []string{
				"id", "threadId", "messageId", "inReplyTo", "references",
				"subject", "receivedAt", "keywords", "mailboxIds",
			},
		},
	}
	getCall.ClientID = e.nextSeq()

	resp, err := e.Request(ctx, []MethodCall{queryCall, getCall})
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "jmap.Engine.Fetch", fmt.Errorf("expected 2 responses, got %d", len(resp)))
	}
	var body struct {
		State string      `json:"state"`
		List  []EmailInfo `json:"list"`
	}
	if err := json.Unmarshal(resp[1].Arguments, &body); err != nil {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "jmap.Engine.Fetch", err)
	}

	e.mu.Lock()
	prevState := e.stateTokens["Email"]
	e.mu.Unlock()

	switch {
	case prevState == "":
		// No prior Email state recorded for this account: nothing to
		// reconcile against yet, so just record the baseline state
		// rather than calling EmailChanges with an empty sinceState.
		e.mu.Lock()
		e.stateTokens["Email"] = body.State
		e.mu.Unlock()
	case body.State != prevState:
		if _, err := e.EmailChanges(ctx, accountID, prevState); err != nil {
			return nil, err
		}
	}

	return body.List, nil
}

// EmailChanges mirrors MailboxChanges for the Email object type (RFC
// 8620 §5.2), replaying pages until caught up.
func (e *Engine) EmailChanges(ctx context.Context, accountID, sinceState string) (MailboxChanges, error) {
	var total MailboxChanges
	total.OldState = sinceState
	state := sinceState
	for {
		resp, err := e.Request(ctx, []MethodCall{
			{
				Name: "Email/changes",
				Arguments: map[string]interface{}{
					"accountId":  accountID,
					"sinceState": state,
				},
			},
		})
		if err != nil {
			return total, err
		}
		if len(resp) == 0 {
			return total, mailcore.Errorf(mailcore.KindProtocolError, "jmap.Engine.EmailChanges", fmt.Errorf("empty response"))
		}
		var page MailboxChanges
		if err := json.Unmarshal(resp[0].Arguments, &page); err != nil {
			return total, mailcore.Errorf(mailcore.KindProtocolError, "jmap.Engine.EmailChanges", err)
		}
		total.Created = append(total.Created, page.Created...)
		total.Updated = append(total.Updated, page.Updated...)
		total.Destroyed = append(total.Destroyed, page.Destroyed...)
		total.NewState = page.NewState
		state = page.NewState
		if !page.HasMoreChanges {
			break
		}
	}
	e.mu.Lock()
	e.stateTokens["Email"] = total.NewState
	e.mu.Unlock()
	return total, nil
}

// ThreadInfo is a JMAP Thread object: an ordered list of email ids
// sharing a conversation (RFC 8621 §3.1). Supplements the spec's
// envelope/thread index with the server's own notion of threading,
// which callers may reconcile against the locally computed thread
// package forest rather than trust blindly.
type ThreadInfo struct {
	ID       string   `json:"id"`
	EmailIDs []string `json:"emailIds"`
}

// GetThreads fetches the Thread objects named by ids (RFC 8621 §3.1),
// used to replay Mailbox/changes + Thread/get for threads touched by a
// change page (SPEC_FULL.md §6.5).
func (e *Engine) GetThreads(ctx context.Context, accountID string, ids []string) ([]ThreadInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	resp, err := e.Request(ctx, []MethodCall{
		{
			Name: "Thread/get",
			Arguments: map[string]interface{}{
				"accountId": accountID,
				"ids":       ids,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "jmap.Engine.GetThreads", fmt.Errorf("empty response"))
	}
	var body struct {
		List []ThreadInfo `json:"list"`
	}
	if err := json.Unmarshal(resp[0].Arguments, &body); err != nil {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "jmap.Engine.GetThreads", err)
	}
	return body.List, nil
}
