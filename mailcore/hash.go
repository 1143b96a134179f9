package mailcore

import "hash/fnv"

// HashEnvelope derives an EnvelopeHash from a normalized message-id
// and its reference chain. The Open Question left unresolved by the
// source material ("hash is immutable once assigned" without naming
// an algorithm) is settled here as FNV-1a over the normalized
// message-id followed by each reference, NUL-separated, so the same
// logical message always maps to the same hash across backends and
// reconnects regardless of insertion order of its references.
func HashEnvelope(messageID string, references []string) EnvelopeHash {
	h := fnv.New64a()
	h.Write([]byte(messageID))
	for _, ref := range references {
		h.Write([]byte{0})
		h.Write([]byte(ref))
	}
	return EnvelopeHash(h.Sum64())
}

// HashThreadNode derives a ThreadNodeHash for a node keyed by its
// message-id (real or virtual — virtual nodes are keyed by the
// referenced id that has not yet been seen as an Envelope).
func HashThreadNode(messageID string) ThreadNodeHash {
	h := fnv.New64a()
	h.Write([]byte("node:"))
	h.Write([]byte(messageID))
	return ThreadNodeHash(h.Sum64())
}

// HashThread derives a ThreadHash for the root of a conversation,
// keyed by the root node's message-id.
func HashThread(rootMessageID string) ThreadHash {
	h := fnv.New64a()
	h.Write([]byte("thread:"))
	h.Write([]byte(rootMessageID))
	return ThreadHash(h.Sum64())
}

// HashMailbox derives a MailboxHash from a server-assigned mailbox
// name or id, stable across sessions for the same mailbox.
func HashMailbox(name string) MailboxHash {
	h := fnv.New64a()
	h.Write([]byte("mailbox:"))
	h.Write([]byte(name))
	return MailboxHash(h.Sum64())
}
