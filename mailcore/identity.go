package mailcore

// EnvelopeHash identifies an Envelope by a content-addressed 64-bit
// hash derived from its message-id and reference chain, so the same
// logical message always maps to the same hash across backends and
// reconnects.
type EnvelopeHash uint64

// ThreadHash identifies the root ThreadGroup of a conversation.
type ThreadHash uint64

// ThreadNodeHash identifies one node in the threading forest.
type ThreadNodeHash uint64

// MailboxHash identifies a mailbox, stable for the lifetime of an
// account regardless of the server's own mailbox naming.
type MailboxHash uint64
