// Package syncpolicy selects which IMAP resynchronization strategy a
// connection uses, per spec.md §4.9: the choice is made once at
// connection establishment from the server's advertised capabilities
// and the user's preference, and never downgrades mid-session.
package syncpolicy

// Policy is one of None, Basic, Condstore, or CondstoreQresync.
type Policy int

const (
	None Policy = iota
	Basic
	Condstore
	CondstoreQresync
)

func (p Policy) String() string {
	switch p {
	case Basic:
		return "basic"
	case Condstore:
		return "condstore"
	case CondstoreQresync:
		return "condstore-qresync"
	default:
		return "none"
	}
}

// Prefs is the user-facing configuration input to Select: whether the
// offline cache (and therefore any resync bookkeeping at all) is
// enabled, and whether CONDSTORE specifically is allowed even when
// the server advertises it.
type Prefs struct {
	OfflineCacheEnabled bool
	CondstoreEnabled    bool
}

// Select computes the SyncPolicy for a freshly (re)established
// connection from the server's advertised capability set and the
// user's preference, per spec.md §4.9's rule table:
//
//	offline cache disabled            -> None
//	CONDSTORE disabled or unsupported -> Basic
//	QRESYNC advertised                -> CondstoreQresync
//	else                              -> Condstore
func Select(caps map[string]bool, prefs Prefs) Policy {
	if !prefs.OfflineCacheEnabled {
		return None
	}
	if !prefs.CondstoreEnabled || !caps["CONDSTORE"] {
		return Basic
	}
	if caps["QRESYNC"] {
		return CondstoreQresync
	}
	return Condstore
}
