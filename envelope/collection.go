package envelope

import (
	"sort"
	"sync"

	"meli.sh/mailcore"
	"meli.sh/thread"
)

// Collection is the in-memory envelope store for one mailbox:
// envelope-hash to Envelope, plus secondary date and subject indexes,
// plus the owned threading forest. Grounded on the original source's
// Collection (FnvHashMap<EnvelopeHash,Envelope> + BTreeMap date_index
// + optional subject_index + Threads), generalized from Rust's
// BTreeMap ordering to an explicit sorted-slice index rebuilt lazily.
//
// Invariant: the threading index is always consistent with the
// envelope map after any single Insert/InsertReply/Remove call
// returns (spec.md §4.7).
type Collection struct {
	mu sync.Mutex

	envelopes map[mailcore.EnvelopeHash]*Envelope

	// dateIndex and subjectIndex are rebuilt from envelopes lazily by
	// sortedByDate/sortedBySubject rather than maintained incrementally,
	// since spec.md only requires them as read paths for the threading
	// index's group_inner_sort_by, not as standalone mutation targets.
	dateDirty    bool
	subjectDirty bool
	byDate       []mailcore.EnvelopeHash
	bySubject    []mailcore.EnvelopeHash

	Forest *thread.Forest
}

// NewCollection builds an empty Collection with its own Forest.
func NewCollection() *Collection {
	return &Collection{
		envelopes: make(map[mailcore.EnvelopeHash]*Envelope),
		Forest:    thread.NewForest(),
	}
}

// Insert adds env to the map and to the threading index as a
// top-level insert (spec.md §4.7).
func (c *Collection) Insert(env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes[env.Hash] = env
	c.dateDirty, c.subjectDirty = true, true
	c.Forest.Insert(toThreadEnvelope(env))
}

// InsertReply adds env as a reply: it is inserted into the map and
// attached under its in-reply-to parent without a full forest
// reindex, per spec.md §4.7's "inserts as a new node under its
// in-reply-to parent without full reindex".
func (c *Collection) InsertReply(env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes[env.Hash] = env
	c.dateDirty, c.subjectDirty = true, true
	c.Forest.InsertIncremental(toThreadEnvelope(env))
}

// Contains reports whether hash is present.
func (c *Collection) Contains(hash mailcore.EnvelopeHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.envelopes[hash]
	return ok
}

// Get returns the envelope for hash, or nil if absent.
func (c *Collection) Get(hash mailcore.EnvelopeHash) *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envelopes[hash]
}

// Remove deletes hash from the map and prunes its node from the
// threading forest (mailbox reload / server-side EXPUNGE, spec.md §3
// lifecycle).
func (c *Collection) Remove(hash mailcore.EnvelopeHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.envelopes, hash)
	c.dateDirty, c.subjectDirty = true, true
	c.Forest.Prune(hash)
}

// Len reports the number of envelopes held.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envelopes)
}

// SortedByDate returns envelope hashes ordered oldest-first, rebuilding
// the cached index if envelopes changed since the last call.
func (c *Collection) SortedByDate() []mailcore.EnvelopeHash {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dateDirty {
		c.byDate = c.byDate[:0]
		for h := range c.envelopes {
			c.byDate = append(c.byDate, h)
		}
		sort.Slice(c.byDate, func(i, j int) bool {
			return c.envelopes[c.byDate[i]].Date < c.envelopes[c.byDate[j]].Date
		})
		c.dateDirty = false
	}
	out := make([]mailcore.EnvelopeHash, len(c.byDate))
	copy(out, c.byDate)
	return out
}

// SortedBySubject returns envelope hashes ordered by normalized
// subject, rebuilding the cached index if envelopes changed since the
// last call.
func (c *Collection) SortedBySubject() []mailcore.EnvelopeHash {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subjectDirty {
		c.bySubject = c.bySubject[:0]
		for h := range c.envelopes {
			c.bySubject = append(c.bySubject, h)
		}
		sort.Slice(c.bySubject, func(i, j int) bool {
			return c.envelopes[c.bySubject[i]].SubjectNormalized < c.envelopes[c.bySubject[j]].SubjectNormalized
		})
		c.subjectDirty = false
	}
	out := make([]mailcore.EnvelopeHash, len(c.bySubject))
	copy(out, c.bySubject)
	return out
}

func toThreadEnvelope(env *Envelope) thread.Envelope {
	return thread.Envelope{
		Hash:              env.Hash,
		MessageID:         env.MessageID,
		References:        env.References,
		InReplyTo:         env.InReplyTo,
		SubjectNormalized: env.SubjectNormalized,
		Date:              env.Date,
		Unseen:            !env.Flags.Has(FlagSeen),
	}
}
