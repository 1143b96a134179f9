package imapconn

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"meli.sh/imapresp"
	"meli.sh/mailcore"
	"meli.sh/searchquery"
	"meli.sh/syncpolicy"
	"meli.sh/util/throttle"
)

// State names the position of a Connection in the state machine of
// spec.md §4.4:
//
//	Disconnected --connect--> Handshaking --CAPABILITY ok--> Authenticating
//	Authenticating --LOGIN/AUTHENTICATE ok--> Ready
//	Ready --select--> Selected(h)
//	Selected(h) --unselect--> Ready
//	any --BYE/network err--> Disconnected
//	Ready --idle:28min--> Disconnected
type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateAuthenticating
	StateReady
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateSelected:
		return "selected"
	default:
		return "disconnected"
	}
}

// MailboxUIDStore is the subset of envelope.UIDStore a Connection
// needs: clearing a mailbox's UID<->hash map when UIDVALIDITY
// changes (spec.md §8 invariant 6). Kept narrow here to avoid
// imapconn depending on the envelope package's storage internals.
type MailboxUIDStore interface {
	ClearMailbox(mailbox mailcore.MailboxHash)
}

// SelectResponse carries the attributes of a SELECT/EXAMINE tagged
// completion's untagged preamble (RFC 3501 §6.3.1/§6.3.2).
type SelectResponse struct {
	Exists        uint32
	Recent        uint32
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64
	Unseen        uint32
	PermanentFlags []string
	ReadWrite     bool
}

// Prefs is the user-facing knobs Connection consults when deciding
// which extension upgrades to apply.
type Prefs struct {
	syncpolicy.Prefs
	EnableCompression bool
}

// Connection wraps a Stream with the reconnect policy, capability
// negotiation, extension upgrades and mailbox-selection bookkeeping of
// spec.md §4.4. One Connection serializes all command/response
// exchanges on its Stream behind mu, per spec.md §5's "both hold an
// exclusive lock on their Stream for the duration of one
// command/response exchange".
type Connection struct {
	mu sync.Mutex

	conf  ServerConf
	prefs Prefs

	state  State
	stream *Stream
	caps   Capabilities
	policy syncpolicy.Policy

	uidStore MailboxUIDStore
	events   mailcore.EventConsumer

	// mailboxHashes maps the server-side mailbox name used on the wire
	// to the stable MailboxHash the rest of the system addresses it
	// by, so SELECT/EXAMINE/STATUS can be issued by name while callers
	// only ever see hashes.
	mailboxHashes map[mailcore.MailboxHash]string

	// lastModSeq/lastUIDValidity record the last-known resync state
	// per mailbox, consulted by selectMailboxLocked to decide whether
	// a CONDSTORE/QRESYNC resync fetch is owed.
	lastModSeq     map[mailcore.MailboxHash]uint64
	lastUIDValidity map[mailcore.MailboxHash]uint32

	reconnects *throttle.Throttle

	onlineSince time.Time
	lastErr     error
}

// NewConnection builds a Connection in state Disconnected. Call
// Connect before issuing any command.
func NewConnection(conf ServerConf, prefs Prefs, uidStore MailboxUIDStore, events mailcore.EventConsumer) *Connection {
	return &Connection{
		conf:            conf,
		prefs:           prefs,
		state:           StateDisconnected,
		uidStore:        uidStore,
		events:          events,
		mailboxHashes:   make(map[mailcore.MailboxHash]string),
		lastModSeq:      make(map[mailcore.MailboxHash]uint64),
		lastUIDValidity: make(map[mailcore.MailboxHash]uint32),
		reconnects:      &throttle.Throttle{},
	}
}

// State reports the connection's current position in the state
// machine.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HasCapability reports whether the server advertised name.
func (c *Connection) HasCapability(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps.Has(name)
}

// SyncPolicy reports the policy selected at the last (re)connect.
func (c *Connection) SyncPolicy() syncpolicy.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// Connect implements spec.md §4.4's connect() semantics:
//  1. If a Stream exists and last-contact exceeds the protocol
//     timeout, mark offline and drop it.
//  2. If a Stream exists, probe with NOOP; on success, return.
//  3. Otherwise open a new Stream; on success mark online; else
//     propagate the error.
//  4. Apply extension upgrades gated on capabilities x preference.
//  5. Publish the capability set.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Connection) connectLocked() error {
	if c.stream != nil {
		if time.Since(c.stream.lastContact) > protocolIdleTimeout {
			c.stream.transport.Close()
			c.stream = nil
			c.state = StateDisconnected
		} else if err := c.probeLocked(); err == nil {
			return nil
		} else {
			c.stream.transport.Close()
			c.stream = nil
			c.state = StateDisconnected
		}
	}

	key := fmt.Sprintf("%s:%d", c.conf.Host, c.conf.Port)
	c.reconnects.Throttle(key)

	c.state = StateHandshaking
	caps, stream, err := NewStream(&c.conf)
	if err != nil {
		c.reconnects.Add(key)
		c.state = StateDisconnected
		c.lastErr = err
		return err
	}
	c.state = StateReady
	c.stream = stream
	c.caps = caps
	c.onlineSince = time.Now()
	c.lastErr = nil

	c.policy = syncpolicy.Select(boolMap(caps), c.prefs.Prefs)

	if err := c.applyUpgradesLocked(); err != nil {
		return err
	}

	if c.events != nil {
		c.events.Publish(mailcore.BackendEvent{Kind: mailcore.BackendEventAccountStatusChange})
	}
	return nil
}

func boolMap(caps Capabilities) map[string]bool { return map[string]bool(caps) }

func (c *Connection) probeLocked() error {
	tag, err := c.stream.SendCommand("NOOP")
	if err != nil {
		return err
	}
	_, tagged, err := c.readResponseLocked(tag, 0)
	if err != nil {
		return err
	}
	if tagged.Kind != imapresp.KindOk {
		return mailcore.Errorf(mailcore.KindProtocolError, "imapconn.Connection.probe", fmt.Errorf("NOOP rejected: %s", tagged.Text))
	}
	return nil
}

// applyUpgradesLocked implements spec.md §4.4 step 4: CONDSTORE/ENABLE
// and COMPRESS=DEFLATE, each gated on capability and preference.
func (c *Connection) applyUpgradesLocked() error {
	if c.policy == syncpolicy.Condstore || c.policy == syncpolicy.CondstoreQresync {
		if c.caps.Has("ENABLE") {
			tag, err := c.stream.SendCommand("ENABLE CONDSTORE")
			if err != nil {
				return err
			}
			if _, _, err := c.readResponseLocked(tag, 0); err != nil {
				return err
			}
		}
	}

	if c.prefs.EnableCompression && c.caps.Has("COMPRESS=DEFLATE") {
		tag, err := c.stream.SendCommand("COMPRESS DEFLATE")
		if err != nil {
			return err
		}
		_, tagged, err := c.readResponseLocked(tag, 0)
		if err != nil {
			return err
		}
		if tagged.Kind == imapresp.KindOk {
			c.stream.transport = UpgradeDeflate(c.stream.transport)
			c.stream.resetReader()
		} else if c.events != nil {
			c.events.Publish(mailcore.BackendEvent{
				Kind:        mailcore.BackendEventNotice,
				Description: "COMPRESS DEFLATE rejected",
				Content:     tagged.Text,
				Level:       mailcore.NoticeWarning,
			})
		}
	}

	return nil
}

// RegisterMailbox associates a MailboxHash with the server-side name
// used on the wire, so SelectMailbox/ExamineMailbox can be called by
// hash.
func (c *Connection) RegisterMailbox(hash mailcore.MailboxHash, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mailboxHashes[hash] = name
}

// SelectMailbox implements spec.md §4.4's select_mailbox: a no-op when
// already selected at hash and force is false; otherwise issues
// SELECT, applies the UIDVALIDITY-change invariant (spec.md §8
// invariant 6), and returns the parsed SelectResponse.
func (c *Connection) SelectMailbox(hash mailcore.MailboxHash, force bool) (*SelectResponse, error) {
	return c.selectOrExamine(hash, force, "SELECT")
}

// ExamineMailbox is SelectMailbox's read-only sibling (EXAMINE).
func (c *Connection) ExamineMailbox(hash mailcore.MailboxHash, force bool) (*SelectResponse, error) {
	return c.selectOrExamine(hash, force, "EXAMINE")
}

func (c *Connection) selectOrExamine(hash mailcore.MailboxHash, force bool, verb string) (*SelectResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wantKind := SelectionSelected
	if verb == "EXAMINE" {
		wantKind = SelectionExamined
	}
	if !force && c.state == StateSelected && c.stream.mailbox.Kind == wantKind && c.stream.mailbox.Hash == hash {
		return nil, nil
	}

	name, ok := c.mailboxHashes[hash]
	if !ok {
		return nil, mailcore.Errorf(mailcore.KindValueError, "imapconn.Connection.selectOrExamine", fmt.Errorf("unknown mailbox hash %x", hash))
	}

	// Read the stored resync state before any of it is overwritten
	// below: spec.md §4.4 requires SELECT/EXAMINE on a CONDSTORE/QRESYNC
	// connection to issue a resync fetch using the last-known MODSEQ,
	// via "SELECT mailbox (QRESYNC (uidvalidity modseq))" (RFC 7162 §3.2.5).
	cmd := fmt.Sprintf("%s %s", verb, quoteIMAPString(name))
	prevModSeq, haveModSeq := c.lastModSeq[hash]
	if prevUID, haveUID := c.lastUIDValidity[hash]; haveUID && haveModSeq && (c.policy == syncpolicy.Condstore || c.policy == syncpolicy.CondstoreQresync) {
		cmd = fmt.Sprintf("%s (QRESYNC (%d %d))", cmd, prevUID, prevModSeq)
	}

	tag, err := c.sendLocked(cmd)
	if err != nil {
		return nil, err
	}
	// FETCH/EXPUNGE arriving as part of a QRESYNC resync preamble are
	// deliberately left out of want: readResponseLocked hands them to
	// ProcessUntagged as RefreshEvents instead, which is exactly the
	// per-message update/remove notification a resync is for.
	untagged, tagged, err := c.readResponseLocked(tag, imapresp.RequireExists|imapresp.RequireRecent|imapresp.RequireFlags)
	if err != nil {
		return nil, err
	}
	if tagged.Kind != imapresp.KindOk {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "imapconn.Connection.selectOrExamine", fmt.Errorf("%s rejected: %s", verb, tagged.Text)).WithRaw(tagged.Raw)
	}

	resp := &SelectResponse{ReadWrite: strings.EqualFold(tagged.Code, "READ-WRITE")}
	for _, u := range untagged {
		switch u.Kind {
		case imapresp.KindExists:
			resp.Exists = u.Num
		case imapresp.KindRecent:
			resp.Recent = u.Num
		case imapresp.KindFlags:
			resp.PermanentFlags = u.Flags
		case imapresp.KindUntaggedOk:
			parseSelectCode(u.Code, resp)
		}
	}
	parseSelectCode(tagged.Code, resp)

	if prev, seen := c.lastUIDValidity[hash]; seen && resp.UIDValidity != 0 && prev != resp.UIDValidity {
		if c.uidStore != nil {
			c.uidStore.ClearMailbox(hash)
		}
		if c.events != nil {
			c.events.Publish(mailcore.BackendEvent{
				Kind:    mailcore.BackendEventRefresh,
				Refresh: mailcore.RefreshEvent{Mailbox: hash, Kind: mailcore.RefreshRescan},
			})
		}
	}
	if resp.UIDValidity != 0 {
		c.lastUIDValidity[hash] = resp.UIDValidity
	}
	if resp.HighestModSeq != 0 {
		c.lastModSeq[hash] = resp.HighestModSeq
	}

	c.stream.setMailbox(MailboxSelection{Kind: wantKind, Hash: hash})
	c.state = StateSelected
	return resp, nil
}

// parseSelectCode extracts UIDVALIDITY/UIDNEXT/HIGHESTMODSEQ/UNSEEN
// out of a bracketed response code such as "UIDVALIDITY 42" or
// "HIGHESTMODSEQ 17".
func parseSelectCode(code string, resp *SelectResponse) {
	fields := strings.Fields(code)
	if len(fields) != 2 {
		return
	}
	var n uint64
	for _, d := range fields[1] {
		if d < '0' || d > '9' {
			return
		}
		n = n*10 + uint64(d-'0')
	}
	switch strings.ToUpper(fields[0]) {
	case "UIDVALIDITY":
		resp.UIDValidity = uint32(n)
	case "UIDNEXT":
		resp.UIDNext = uint32(n)
	case "HIGHESTMODSEQ":
		resp.HighestModSeq = n
	case "UNSEEN":
		resp.Unseen = uint32(n)
	}
}

// Unselect implements spec.md §4.4's unselect: UNSELECT when
// advertised (RFC 3691), else SELECT of a nonexistent mailbox name
// with NO tolerated.
func (c *Connection) Unselect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSelected {
		return nil
	}

	if c.caps.Has("UNSELECT") {
		tag, err := c.sendLocked("UNSELECT")
		if err != nil {
			return err
		}
		_, tagged, err := c.readResponseLocked(tag, 0)
		if err != nil {
			return err
		}
		if tagged.Kind != imapresp.KindOk {
			return mailcore.Errorf(mailcore.KindProtocolError, "imapconn.Connection.Unselect", fmt.Errorf("UNSELECT rejected: %s", tagged.Text)).WithRaw(tagged.Raw)
		}
	} else {
		tag, err := c.sendLocked(`SELECT "blurdybloop"`)
		if err != nil {
			return err
		}
		_, tagged, err := c.readResponseLocked(tag, 0)
		if err != nil {
			return err
		}
		if tagged.Kind != imapresp.KindNo {
			return mailcore.Errorf(mailcore.KindProtocolError, "imapconn.Connection.Unselect", fmt.Errorf("expected NO selecting nonexistent mailbox, got %s", tagged.Text)).WithRaw(tagged.Raw)
		}
	}

	c.stream.setMailbox(MailboxSelection{Kind: SelectionNone})
	c.state = StateReady
	return nil
}

// SendID implements RFC 2971 ID: sends ID with the given client info
// fields and returns the server's ID field map, if any.
func (c *Connection) SendID(clientInfo map[string]string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.caps.Has("ID") {
		return nil, mailcore.Errorf(mailcore.KindNotImplemented, "imapconn.Connection.SendID", fmt.Errorf("server did not advertise ID"))
	}

	var parts []string
	for k, v := range clientInfo {
		parts = append(parts, quoteIMAPString(k), quoteIMAPString(v))
	}
	body := "ID NIL"
	if len(parts) > 0 {
		body = "ID (" + strings.Join(parts, " ") + ")"
	}

	tag, err := c.sendLocked(body)
	if err != nil {
		return nil, err
	}
	untagged, tagged, err := c.readResponseLocked(tag, 0)
	if err != nil {
		return nil, err
	}
	if tagged.Kind != imapresp.KindOk {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "imapconn.Connection.SendID", fmt.Errorf("ID rejected: %s", tagged.Text)).WithRaw(tagged.Raw)
	}
	for _, u := range untagged {
		if u.Kind == imapresp.KindUnknownUntagged && strings.HasPrefix(string(u.Raw), "* ID") {
			return parseIDFields(u.Raw), nil
		}
	}
	return nil, nil
}

// parseIDFields extracts the parenthesized "name" "value" pairs out of
// an untagged ID reply (RFC 2971 §3.1), e.g.
// `* ID ("name" "imapd" "version" "1.0")`. Returns nil for `* ID NIL`.
func parseIDFields(raw []byte) map[string]string {
	s := string(raw)
	open := strings.Index(s, "(")
	if open < 0 {
		return nil
	}
	close := strings.LastIndex(s, ")")
	if close < open {
		return nil
	}

	var tokens []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s[open+1 : close] {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}

	fields := make(map[string]string, len(tokens)/2)
	for i := 0; i+1 < len(tokens); i += 2 {
		fields[tokens[i]] = tokens[i+1]
	}
	return fields
}

// Search runs q against the currently selected mailbox via UID SEARCH
// (RFC 3501 §6.4.4), returning matching UIDs. The mailbox must already
// be selected or examined; Search does not select one itself.
func (c *Connection) Search(q searchquery.Query) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSelected {
		return nil, mailcore.Errorf(mailcore.KindBug, "imapconn.Connection.Search", fmt.Errorf("no mailbox selected"))
	}

	tag, err := c.sendLocked("UID SEARCH " + q.String())
	if err != nil {
		return nil, err
	}
	untagged, tagged, err := c.readResponseLocked(tag, imapresp.RequireSearch)
	if err != nil {
		return nil, err
	}
	if tagged.Kind != imapresp.KindOk {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "imapconn.Connection.Search", fmt.Errorf("SEARCH rejected: %s", tagged.Text)).WithRaw(tagged.Raw)
	}
	var uids []uint32
	for _, r := range untagged {
		if r.Kind == imapresp.KindSearch {
			uids = append(uids, r.SearchIDs...)
		}
	}
	return uids, nil
}

// sendLocked sends body, reconnecting once and returning the original
// error on network failure, per spec.md §4.4's send_* wrapper
// behavior: "on network error, mark the stream errored, invoke
// connect() to reconnect, then return the original error to the
// caller so the caller may retry at its own layer."
func (c *Connection) sendLocked(body string) (tag string, err error) {
	if c.stream == nil {
		return "", mailcore.Errorf(mailcore.KindNetwork, "imapconn.Connection.sendLocked", fmt.Errorf("not connected"))
	}
	tag, err = c.stream.SendCommand(body)
	if err == nil {
		return tag, nil
	}
	original := err
	if c.stream != nil {
		c.stream.transport.Close()
	}
	c.stream = nil
	c.state = StateDisconnected
	c.connectLocked()
	return tag, original
}

// ProcessUntagged translates a single untagged reply into a
// RefreshEvent and publishes it via the configured EventConsumer, per
// spec.md §4.4's read_response side-effect rule: EXISTS/EXPUNGE/FETCH
// carrying FLAGS become refresh notifications for the mailbox
// currently selected on this connection.
func (c *Connection) ProcessUntagged(mailbox mailcore.MailboxHash, r *imapresp.Reply) {
	if c.events == nil {
		return
	}
	var ev mailcore.RefreshEvent
	ev.Mailbox = mailbox
	switch r.Kind {
	case imapresp.KindExists, imapresp.KindRecent:
		ev.Kind = mailcore.RefreshRescan
	case imapresp.KindExpunge:
		ev.Kind = mailcore.RefreshRemove
	case imapresp.KindFetch:
		ev.Kind = mailcore.RefreshUpdate
	default:
		return
	}
	c.events.Publish(mailcore.BackendEvent{Kind: mailcore.BackendEventRefresh, Refresh: ev})
}

// trackedByRequiredResponses reports whether kind is one of the
// untagged kinds imapresp.RequiredResponses.Matches recognizes. Any
// other kind (untagged OK/NO/BAD/BYE with a response code, or an
// unrecognized pass-through) always carries command-specific metadata
// rather than a spontaneous mailbox update, so it is never eligible to
// be dropped as a side effect.
func trackedByRequiredResponses(kind imapresp.Kind) bool {
	switch kind {
	case imapresp.KindFetch, imapresp.KindExists, imapresp.KindRecent, imapresp.KindExpunge,
		imapresp.KindCapability, imapresp.KindSearch, imapresp.KindEsearch,
		imapresp.KindList, imapresp.KindLsub, imapresp.KindStatus, imapresp.KindFlags:
		return true
	default:
		return false
	}
}

// readResponseLocked reads replies up to tag's tagged completion, then
// applies spec.md §4.2/§4.4's retain-vs-consume rule: an untagged
// reply whose Kind is named by want is retained for the caller; any
// other tracked Kind (e.g. an EXISTS/EXPUNGE/FETCH arriving while the
// caller is waiting on an unrelated command) is instead consumed here
// as a side effect via ProcessUntagged, rather than handed back to the
// caller as if it were part of this command's own response.
func (c *Connection) readResponseLocked(tag string, want imapresp.RequiredResponses) ([]*imapresp.Reply, *imapresp.Reply, error) {
	untagged, tagged, err := c.stream.ReadResponse(tag)
	kept := untagged[:0]
	for _, r := range untagged {
		if trackedByRequiredResponses(r.Kind) && !want.Matches(r.Kind) {
			c.ProcessUntagged(c.stream.mailbox.Hash, r)
			continue
		}
		kept = append(kept, r)
	}
	return kept, tagged, err
}

// MarkErrored demotes the connection to Disconnected, per the state
// machine's "any --BYE/network err--> Disconnected" transition. The
// next Connect call reconnects from scratch.
func (c *Connection) MarkErrored(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		c.stream.transport.Close()
	}
	c.stream = nil
	c.state = StateDisconnected
	c.lastErr = err
	if c.events != nil {
		c.events.Publish(mailcore.BackendEvent{
			Kind:        mailcore.BackendEventNotice,
			Description: "connection error",
			Content:     err.Error(),
			Level:       mailcore.NoticeError,
		})
	}
}

// LastError reports the error, if any, that most recently demoted the
// connection to Disconnected.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Exclusive runs fn with exclusive access to the underlying Stream,
// for callers (e.g. IdleReader) that need direct read/write access
// while still honoring spec.md §5's one-exchange-at-a-time rule.
func (c *Connection) Exclusive(fn func(s *Stream) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return mailcore.Errorf(mailcore.KindNetwork, "imapconn.Connection.Exclusive", fmt.Errorf("not connected"))
	}
	return fn(c.stream)
}
