// Package mailcore holds the error type and small shared conventions
// used across the wire, imapresp, imapconn, managesieve, jmap,
// envelope, thread, syncpolicy and backend packages.
//
// It plays the role the teacher's imapparser.TaggedError /
// imapparser.ParseError split plays for the server-command direction,
// generalized to a single typed error carrying a classification kind
// (spec.md §7) instead of two distinct ad-hoc types.
package mailcore

import "fmt"

// Kind classifies an Error for the purposes of deciding whether a
// caller should reconnect, retry, surface a user-visible notice, or
// treat the failure as an internal invariant violation.
type Kind int

const (
	// KindUnknown is the zero value; real errors always set a Kind.
	KindUnknown Kind = iota
	// KindNetwork covers transport-level I/O failure: connect refused,
	// read/write error, TLS handshake failure.
	KindNetwork
	// KindTimeout covers a command/response exchange that exceeded its
	// deadline.
	KindTimeout
	// KindAuthentication covers LOGINDISABLED, rejected credentials,
	// or a missing AUTH=XOAUTH2/AUTH=PLAIN capability.
	KindAuthentication
	// KindProtocolError covers a parser rejecting a server reply, or an
	// unexpected BAD/BYE outside the set the caller prepared for.
	KindProtocolError
	// KindBug covers an invariant violation: a capability assumed
	// present is missing, a state transition happened from an
	// impossible state.
	KindBug
	// KindNotImplemented covers an operation named by the protocol but
	// not carried by this connection core (e.g. a JMAP push transport).
	KindNotImplemented
	// KindValueError covers a caller-supplied value that fails local
	// validation before any network operation is attempted.
	KindValueError
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindAuthentication:
		return "authentication"
	case KindProtocolError:
		return "protocol-error"
	case KindBug:
		return "bug"
	case KindNotImplemented:
		return "not-implemented"
	case KindValueError:
		return "value-error"
	default:
		return "unknown"
	}
}

// Error is the typed error carried through every mailcore package.
// Op names the operation that failed (e.g. "imapconn.SelectMailbox"),
// matching the teacher's "pkgname: context: %v" fmt.Errorf convention
// but keeping Kind and the wrapped error machine-readable.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// Raw holds the raw server reply bytes when the error originates
	// from a rejected or unparseable response, so the message survives
	// for diagnosis even after the buffer is reused.
	Raw []byte
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mailcore: %s: %s", e.Op, e.Kind)
	}
	if len(e.Raw) == 0 {
		return fmt.Sprintf("mailcore: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mailcore: %s: %v (reply: %q)", e.Op, e.Err, e.Raw)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error wrapping err with the given Kind and Op.
func Errorf(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithRaw attaches raw reply bytes to an *Error for diagnosis, copying
// them since the caller's buffer is typically reused on the next read.
func (e *Error) WithRaw(raw []byte) *Error {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	e.Raw = cp
	return e
}

// Is reports whether err carries the given Kind, unwrapping through
// any number of wrapping errors that expose an Unwrap method.
func Is(err error, kind Kind) bool {
	for err != nil {
		if me, ok := err.(*Error); ok {
			if me.Kind == kind {
				return true
			}
			err = me.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
