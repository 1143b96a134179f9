package mailcore

// RefreshEventKind discriminates the variant populated on a
// RefreshEvent (spec.md §6).
type RefreshEventKind int

const (
	RefreshUnknown RefreshEventKind = iota
	RefreshCreate
	RefreshRemove
	RefreshRename
	RefreshUpdate
	RefreshRescan
	RefreshFailure
)

// RefreshEvent is a backend-observed change to a mailbox, published to
// the envelope collection layer. Only the fields relevant to Kind are
// populated: Hash for Create/Remove/Update, OldHash/Hash for Rename,
// Err for Failure.
type RefreshEvent struct {
	Mailbox MailboxHash
	Kind    RefreshEventKind
	Hash    EnvelopeHash
	OldHash EnvelopeHash
	Err     error
}

// NoticeLevel classifies a user-visible Notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

// BackendEventKind discriminates the variant populated on a
// BackendEvent.
type BackendEventKind int

const (
	BackendEventRefresh BackendEventKind = iota
	BackendEventNotice
	BackendEventAccountStatusChange
)

// BackendEvent is the top-level event published by a connection to
// its owning account, mirroring spec.md §6's
// "Refresh(RefreshEvent) | Notice{...} | AccountStatusChange" shape as
// a single struct carrying only the fields its Kind uses, the same
// discriminated-struct convention as imapresp.Reply.
type BackendEvent struct {
	Kind        BackendEventKind
	Refresh     RefreshEvent
	Description string
	Content     string
	Level       NoticeLevel
}

// EventConsumer receives BackendEvents published by a Connection or
// the JMAP engine. Implementations must not block for long: the
// connection holds no lock while calling Publish, but a slow consumer
// stalls the single-threaded executor driving network reads.
type EventConsumer interface {
	Publish(ev BackendEvent)
}

// EventConsumerFunc adapts a function to EventConsumer.
type EventConsumerFunc func(ev BackendEvent)

func (f EventConsumerFunc) Publish(ev BackendEvent) { f(ev) }
