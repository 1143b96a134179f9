// Package envelope holds the in-memory envelope collection: the
// mapping from envelope identity to envelope record, its secondary
// date/subject indexes, and the persisted UID/capability/online-status
// store shared by every connection for one account.
package envelope

import (
	"fmt"
	"strings"

	"meli.sh/mailcore"
	"meli.sh/rfc5322"
)

// Flag is one bit of an Envelope's mutable status, per the six system
// flags named in spec.md §3.
type Flag uint8

const (
	FlagSeen Flag = 1 << iota
	FlagDraft
	FlagFlagged
	FlagReplied
	FlagTrashed
	FlagPassed
)

// Has reports whether all bits of want are set in f.
func (f Flag) Has(want Flag) bool { return f&want == want }

// Envelope is a single message record, identified by a stable
// content hash derived from its message-id and reference chain
// (mailcore.HashEnvelope). The hash never changes after assignment;
// Flags and Tags are the only mutable fields.
type Envelope struct {
	Hash mailcore.EnvelopeHash

	MessageID  string
	References []string // ordered, append-only by insertion of reply envelopes
	InReplyTo  string

	SubjectRaw        string
	SubjectNormalized string

	From    []rfc5322.Address
	To      []rfc5322.Address
	Cc      []rfc5322.Address
	Bcc     []rfc5322.Address
	ReplyTo []rfc5322.Address

	Date int64 // seconds since epoch

	Flags Flag
	// Keywords holds IMAP keywords beyond the six system flags
	// (RFC 3501 flag-keyword), kept distinct from Tags: Keywords are
	// server-visible flag state, Tags are local-only free-form labels.
	Keywords []string
	Tags     []string

	// UID and ModSeq are per-server attributes, absent (zero) for
	// envelopes materialized locally from a composed/replied buffer
	// before any UID has been assigned by a server.
	UID    uint32
	ModSeq uint64

	// BodyOffset and BodyLength describe the envelope's raw bytes in
	// whatever storage the caller uses; the body itself is opaque here
	// (see spec.md's BodyStructure non-goal).
	BodyOffset int64
	BodyLength int64
}

// NewEnvelope builds an Envelope and assigns its Hash from messageID
// and references. Callers that already parsed headers via the
// MIME header tokenizer should populate the remaining fields directly.
func NewEnvelope(messageID string, references []string) *Envelope {
	return &Envelope{
		Hash:       mailcore.HashEnvelope(messageID, references),
		MessageID:  messageID,
		References: references,
	}
}

// Header is the set of raw (unfolded, still RFC 2047-encoded where
// applicable) header field values a MIME header tokenizer hands back
// for one message. NewEnvelopeFromHeader turns these into a populated
// Envelope; message-id and address parsing is delegated to the
// mailcore/rfc5322 collaborator, charset/subject decoding to
// DecodeSubjectCharset and NormalizeSubject.
type Header struct {
	MessageID  string
	InReplyTo  string
	References string
	Subject    string
	From       string
	To         string
	Cc         string
	Bcc        string
	ReplyTo    string
}

// NewEnvelopeFromHeader parses h's address and reference fields via
// rfc5322.ParseReference/ParseReferences/ParseAddressList and returns
// a fully populated Envelope. Malformed address or reference fields
// are reported as an error rather than silently dropped, since a
// corrupt Message-ID would otherwise produce a Hash collision.
func NewEnvelopeFromHeader(h Header) (*Envelope, error) {
	msgID := h.MessageID
	if msgID != "" {
		parsed, err := rfc5322.ParseReference(msgID)
		if err != nil {
			return nil, fmt.Errorf("envelope: parsing Message-ID: %w", err)
		}
		msgID = parsed
	}

	var refs []string
	if h.References != "" {
		parsed, err := rfc5322.ParseReferences(h.References)
		if err != nil {
			return nil, fmt.Errorf("envelope: parsing References: %w", err)
		}
		refs = parsed
	}
	if h.InReplyTo != "" {
		parsed, err := rfc5322.ParseReference(h.InReplyTo)
		if err != nil {
			return nil, fmt.Errorf("envelope: parsing In-Reply-To: %w", err)
		}
		found := false
		for _, r := range refs {
			if r == parsed {
				found = true
				break
			}
		}
		if !found {
			refs = append(refs, parsed)
		}
	}

	e := NewEnvelope(msgID, refs)
	e.InReplyTo = h.InReplyTo
	e.SetSubject(h.Subject)

	var err error
	if e.From, err = parseAddressList(h.From); err != nil {
		return nil, fmt.Errorf("envelope: parsing From: %w", err)
	}
	if e.To, err = parseAddressList(h.To); err != nil {
		return nil, fmt.Errorf("envelope: parsing To: %w", err)
	}
	if e.Cc, err = parseAddressList(h.Cc); err != nil {
		return nil, fmt.Errorf("envelope: parsing Cc: %w", err)
	}
	if e.Bcc, err = parseAddressList(h.Bcc); err != nil {
		return nil, fmt.Errorf("envelope: parsing Bcc: %w", err)
	}
	if e.ReplyTo, err = parseAddressList(h.ReplyTo); err != nil {
		return nil, fmt.Errorf("envelope: parsing Reply-To: %w", err)
	}
	return e, nil
}

func parseAddressList(raw string) ([]rfc5322.Address, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := rfc5322.ParseAddressList(raw)
	if err != nil {
		return nil, err
	}
	addrs := make([]rfc5322.Address, len(parsed))
	for i, a := range parsed {
		addrs[i] = *a
	}
	return addrs, nil
}

// SetSubject decodes any RFC 2047 encoded-words in raw via
// DecodeSubjectCharset, stores the decoded text in SubjectRaw, and
// derives SubjectNormalized from it.
func (e *Envelope) SetSubject(raw string) {
	e.SubjectRaw = DecodeSubjectCharset(raw)
	e.SubjectNormalized = NormalizeSubject(e.SubjectRaw)
}

// AppendReference appends a message-id to the envelope's reference
// chain, preserving the append-only invariant from spec.md §3. It
// does not recompute Hash: the hash is fixed at creation from the
// initial reference set, matching "hash is immutable once assigned".
func (e *Envelope) AppendReference(messageID string) {
	for _, r := range e.References {
		if r == messageID {
			return
		}
	}
	e.References = append(e.References, messageID)
}

// replyPrefixes are the subject prefixes stripped by NormalizeSubject,
// matched case-insensitively at the start of the (already
// whitespace-trimmed) subject, repeatedly until none match.
var replyPrefixes = []string{"re:", "fwd:", "fw:", "aw:", "antwort:"}

// NormalizeSubject strips leading reply/forward prefixes and collapses
// interior whitespace, per spec.md §3's "subject ... stripped of
// reply/forward prefixes and whitespace collapsed". Charset decoding
// of an undecoded RFC 2047-encoded subject happens before this
// function runs (see DecodeSubjectCharset).
func NormalizeSubject(raw string) string {
	s := strings.TrimSpace(raw)
	for {
		trimmed := false
		lower := strings.ToLower(s)
		for _, p := range replyPrefixes {
			if strings.HasPrefix(lower, p) {
				s = strings.TrimSpace(s[len(p):])
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	return collapseWhitespace(s)
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !prevSpace {
				b.WriteByte(' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
