package thread

import (
	"sort"

	"meli.sh/mailcore"
)

// SortField selects the key GroupInnerSortBy orders groups by.
type SortField int

const (
	SortByDate SortField = iota
	SortBySubject
)

// SortOrder selects ascending or descending order.
type SortOrder int

const (
	SortAscending SortOrder = iota
	SortDescending
)

// representativeForSort returns the envelope representing a group for
// sort purposes: for SortByDate, the newest descendant (spec.md §4.8:
// "newest descendant for date"); for SortBySubject, the root's own
// envelope (falling back to the first real descendant if the root is
// virtual).
func (f *Forest) representativeForSort(rootID mailcore.ThreadNodeHash, field SortField) (Envelope, bool) {
	switch field {
	case SortByDate:
		var best Envelope
		found := false
		var walk func(id mailcore.ThreadNodeHash)
		walk = func(id mailcore.ThreadNodeHash) {
			n := f.nodes[id]
			if n.HasEnvelope {
				if env, ok := f.envelopes[n.EnvelopeHash]; ok {
					if !found || env.Date > best.Date {
						best = env
						found = true
					}
				}
			}
			for _, c := range n.Children {
				walk(c)
			}
		}
		walk(rootID)
		return best, found
	default: // SortBySubject
		subj, ok := f.representativeSubject(rootID)
		if !ok {
			return Envelope{}, false
		}
		return Envelope{SubjectNormalized: subj}, true
	}
}

// GroupInnerSortBy returns every ThreadHash ordered by field/order,
// using each group's representative envelope per
// representativeForSort, with thread hash as a stable tie-break
// (spec.md §4.8: "stable with respect to thread hash for tie-breaks").
func (f *Forest) GroupInnerSortBy(field SortField, order SortOrder) []mailcore.ThreadHash {
	f.mu.Lock()
	defer f.mu.Unlock()

	type entry struct {
		hash mailcore.ThreadHash
		env  Envelope
	}
	entries := make([]entry, 0, len(f.groups))
	for hash, g := range f.groups {
		env, _ := f.representativeForSort(g.RootID, field)
		entries = append(entries, entry{hash: hash, env: env})
	}

	less := func(i, j int) bool {
		a, b := entries[i], entries[j]
		var cmp bool
		switch field {
		case SortByDate:
			if a.env.Date == b.env.Date {
				return a.hash < b.hash
			}
			cmp = a.env.Date < b.env.Date
		default:
			if a.env.SubjectNormalized == b.env.SubjectNormalized {
				return a.hash < b.hash
			}
			cmp = a.env.SubjectNormalized < b.env.SubjectNormalized
		}
		if order == SortDescending {
			return !cmp
		}
		return cmp
	}
	sort.Slice(entries, less)

	out := make([]mailcore.ThreadHash, len(entries))
	for i, e := range entries {
		out[i] = e.hash
	}
	return out
}
