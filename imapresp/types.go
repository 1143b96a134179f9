// Package imapresp parses IMAP server replies: tagged completions,
// greetings, untagged data, and continuation requests.
//
// It is the response-direction sibling of the teacher's
// imap/imapparser package, which parses client commands for a
// server. The byte-scanning techniques (peekChar/readChar CHAR8 rule,
// quoted-string and literal handling) are carried over unchanged;
// only the grammar being recognized is flipped from command syntax to
// reply syntax (RFC 3501 §7, RFC 4551/7162, RFC 5464, RFC 5530,
// RFC 6851, RFC 7162).
package imapresp

import "time"

// Kind discriminates the variant populated on a Reply, mirroring the
// way the teacher's imapparser.Command carries one field group per
// possible Command.Name rather than a family of named types.
type Kind int

const (
	KindUnknown Kind = iota

	// Tagged final replies.
	KindOk
	KindNo
	KindBad

	// Greeting-only variants.
	KindPreauth
	KindBye

	// Continuation request ("+ ...").
	KindContinuation

	// Untagged data ("* ...").
	KindCapability
	KindExists
	KindRecent
	KindExpunge
	KindFetch
	KindStatus
	KindSearch
	KindEsearch
	KindList
	KindLsub
	KindFlags

	// Untagged OK/NO/BAD/BYE with a response code, e.g.
	// "* OK [UIDVALIDITY 42] ...". Distinguished from the tagged
	// variants above by Tag == "".
	KindUntaggedOk
	KindUntaggedNo
	KindUntaggedBad
	KindUntaggedBye

	// Unknown is a pass-through for untagged data the parser does not
	// recognize, preserved verbatim for forward compatibility per
	// spec.md §4.2 ("unknown untagged responses are preserved verbatim
	// for pass-through to the caller").
	KindUnknownUntagged
)

// FetchData carries the attribute list of an untagged FETCH response.
// BODY[section] literal bytes, ENVELOPE and BODYSTRUCTURE are carried
// as opaque byte slices: decoding their structure is the MIME body
// decoder's job, out of scope here per spec.md §1.
type FetchData struct {
	SeqNum        uint32
	UID           uint32
	Flags         []string
	InternalDate  time.Time
	HasInternal   bool
	Envelope      []byte
	BodySections  map[string][]byte
	RFC822Size    uint32
	HasRFC822Size bool
	ModSeq        uint64
	HasModSeq     bool
	BodyStructure []byte
}

// StatusData carries the attribute list of an untagged STATUS
// response (RFC 3501 §7.2.4).
type StatusData struct {
	Mailbox       string
	Messages      uint32
	Recent        uint32
	UIDNext       uint32
	UIDValidity   uint32
	Unseen        uint32
	HighestModSeq uint64
}

// ESearchData carries an untagged ESEARCH response (RFC 4731).
type ESearchData struct {
	Tag   string
	UID   bool
	Min   uint32
	Max   uint32
	Count uint32
	All   []uint32
}

// ListData carries an untagged LIST/LSUB response.
type ListData struct {
	Attrs     []string
	Delimiter byte
	Mailbox   string
}

// Reply is the single sum-type value produced by Parser.ParseReply.
// Only the fields relevant to Kind are populated.
type Reply struct {
	Kind Kind

	// Tag is the correlated command tag for KindOk/KindNo/KindBad, and
	// empty for every untagged or continuation variant.
	Tag string

	// Code is the bracketed response code text, e.g. "UIDVALIDITY 42",
	// present on tagged and untagged OK/NO/BAD/BYE replies when the
	// server sent one.
	Code string

	// Text is the trailing human-readable text after the response
	// code (or after the status word, if there is no code).
	Text string

	Capabilities []string
	Num          uint32 // EXISTS/RECENT/EXPUNGE count or UID
	Fetch        FetchData
	Status       StatusData
	SearchIDs    []uint32
	ESearch      ESearchData
	List         ListData
	Flags        []string

	// Raw is the original reply line, always populated, so an error
	// constructed from a Reply (or a KindUnknownUntagged pass-through)
	// carries the server's exact bytes for diagnosis.
	Raw []byte
}

// RequiredResponses is a bitset describing which untagged responses a
// caller expects while waiting for a tagged completion; the
// connection layer uses it to decide whether a line should be
// retained in the caller's output buffer or consumed as a side effect
// (producing a RefreshEvent), per spec.md §4.2/§4.4.
type RequiredResponses uint32

const (
	RequireFetch RequiredResponses = 1 << iota
	RequireExists
	RequireRecent
	RequireExpunge
	RequireCapability
	RequireSearch
	RequireEsearch
	RequireList
	RequireLsub
	RequireStatus
	RequireFlags
	// RequireNoOK marks that an untagged/tagged NO is an expected,
	// tolerated outcome rather than a failure — e.g. RFC 3691 UNSELECT
	// fallback selecting a nonexistent mailbox name.
	RequireNoOK
)

// Has reports whether r includes want.
func (r RequiredResponses) Has(want RequiredResponses) bool { return r&want != 0 }

// Matches reports whether kind is one of the untagged kinds named by
// RequiredResponses bits in r.
func (r RequiredResponses) Matches(kind Kind) bool {
	switch kind {
	case KindFetch:
		return r.Has(RequireFetch)
	case KindExists:
		return r.Has(RequireExists)
	case KindRecent:
		return r.Has(RequireRecent)
	case KindExpunge:
		return r.Has(RequireExpunge)
	case KindCapability:
		return r.Has(RequireCapability)
	case KindSearch:
		return r.Has(RequireSearch)
	case KindEsearch:
		return r.Has(RequireEsearch)
	case KindList:
		return r.Has(RequireList)
	case KindLsub:
		return r.Has(RequireLsub)
	case KindStatus:
		return r.Has(RequireStatus)
	case KindFlags:
		return r.Has(RequireFlags)
	default:
		return false
	}
}
