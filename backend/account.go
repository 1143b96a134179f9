// Package backend wires one account's connection, offline storage,
// and envelope/threading index into a single facade, dispatching
// between the IMAP and JMAP engines by AccountKind.
//
// Grounded on the teacher's spilldb/imapdb.backend struct, which bundles
// a *sqlitex.Pool, an *iox.Filer and a boxmgmt.BoxMgmt behind one type
// implementing the server-side go-imap Backend interface; Account plays
// the analogous role for the client direction, bundling a connection
// engine, a cachepath.Provider-rooted UIDStore/thread cache, and an
// envelope.Collection behind one type the UI layer drives.
package backend

import (
	"fmt"
	"net/http"
	"os"

	"meli.sh/cachepath"
	"meli.sh/envelope"
	"meli.sh/imapconn"
	"meli.sh/jmap"
	"meli.sh/mailcore"
	"meli.sh/thread"
)

// AccountKind selects which protocol engine backs an Account.
type AccountKind int

const (
	AccountIMAP AccountKind = iota
	AccountJMAP
)

// Config describes how to reach and authenticate one account,
// independent of which AccountKind backs it.
type Config struct {
	Kind AccountKind

	Name string // account id, used as the cachepath.Provider key

	// IMAP fields, consulted when Kind == AccountIMAP.
	IMAP      imapconn.ServerConf
	IMAPPrefs imapconn.Prefs

	// JMAP fields, consulted when Kind == AccountJMAP.
	JMAPSessionURL string
	JMAPAuthToken  string
	JMAPHTTPClient *http.Client

	CacheProvider cachepath.Provider
}

// Account bundles one account's live connection (or JMAP engine),
// offline UID/state store, and in-memory envelope collection with its
// threading index, plus the on-disk thread cache under the account's
// cache directory.
type Account struct {
	cfg Config

	UIDStore   *envelope.UIDStore
	Collection *envelope.Collection

	conn *imapconn.Connection
	idle *imapconn.IdleReader
	jmap *jmap.Engine

	mailboxes map[mailcore.MailboxHash]string
}

// Open builds an Account from cfg: it opens (creating if absent) the
// account's UID store database under its cache directory, constructs
// the IMAP Connection or JMAP Engine named by cfg.Kind, and prepares
// an empty envelope.Collection ready for Connect+initial sync to
// populate.
func Open(cfg Config) (*Account, error) {
	provider := cfg.CacheProvider
	if provider == nil {
		provider = cachepath.DefaultProvider{}
	}
	dir, err := provider.CacheDir(cfg.Name)
	if err != nil {
		return nil, mailcore.Errorf(mailcore.KindBug, "backend.Open", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, mailcore.Errorf(mailcore.KindBug, "backend.Open", err)
	}

	store, err := envelope.Open(dir + "/uidstore.db")
	if err != nil {
		return nil, mailcore.Errorf(mailcore.KindBug, "backend.Open", err)
	}

	a := &Account{
		cfg:        cfg,
		UIDStore:   store,
		Collection: envelope.NewCollection(),
		mailboxes:  make(map[mailcore.MailboxHash]string),
	}

	switch cfg.Kind {
	case AccountIMAP:
		a.conn = imapconn.NewConnection(cfg.IMAP, cfg.IMAPPrefs, store, mailcore.EventConsumerFunc(a.handleEvent))
	case AccountJMAP:
		a.jmap = jmap.NewEngine(cfg.JMAPSessionURL, cfg.JMAPAuthToken, cfg.JMAPHTTPClient, nil)
	default:
		store.Close()
		return nil, mailcore.Errorf(mailcore.KindValueError, "backend.Open", fmt.Errorf("unknown AccountKind %d", cfg.Kind))
	}
	return a, nil
}

// handleEvent folds a BackendEvent from the IMAP connection into the
// envelope collection: refresh removals drop the envelope and prune
// its threading node, everything else is left for the caller's own
// UI-facing subscriber (set separately; Account only owns the part of
// event handling that must stay consistent with Collection).
func (a *Account) handleEvent(ev mailcore.BackendEvent) {
	if ev.Kind != mailcore.BackendEventRefresh {
		return
	}
	switch ev.Refresh.Kind {
	case mailcore.RefreshRemove:
		a.Collection.Remove(ev.Refresh.Hash)
	}
}

// Connect establishes the live connection for IMAP accounts (a no-op
// for JMAP, whose Engine dials lazily on first Request).
func (a *Account) Connect() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Connect()
}

// Connection returns the underlying IMAP connection, or nil for a
// JMAP-backed Account.
func (a *Account) Connection() *imapconn.Connection { return a.conn }

// JMAPEngine returns the underlying JMAP engine, or nil for an
// IMAP-backed Account.
func (a *Account) JMAPEngine() *jmap.Engine { return a.jmap }

// Idle starts (or returns the existing) IdleReader for the selected
// IMAP mailbox; returns an error for JMAP accounts, which push changes
// over EventSourceURL instead (spec.md's push-transport boundary).
func (a *Account) Idle() (*imapconn.IdleReader, error) {
	if a.conn == nil {
		return nil, mailcore.Errorf(mailcore.KindNotImplemented, "backend.Account.Idle", fmt.Errorf("account has no IMAP connection"))
	}
	if a.idle == nil {
		a.idle = imapconn.NewIdleReader(a.conn)
	}
	if err := a.idle.Start(); err != nil {
		return nil, err
	}
	return a.idle, nil
}

// RegisterMailbox records mailbox's server-side name under hash, and
// registers it with the UID store and (for IMAP accounts) the
// Connection.
func (a *Account) RegisterMailbox(hash mailcore.MailboxHash, name string) error {
	a.mailboxes[hash] = name
	if a.conn != nil {
		a.conn.RegisterMailbox(hash, name)
	}
	return a.UIDStore.RegisterMailbox(hash, name)
}

// ThreadCachePath returns the on-disk path of mailbox's serialized
// thread forest (spec.md §6).
func (a *Account) ThreadCachePath(mailbox mailcore.MailboxHash) (string, error) {
	provider := a.cfg.CacheProvider
	if provider == nil {
		provider = cachepath.DefaultProvider{}
	}
	return cachepath.ThreadCachePath(provider, a.cfg.Name, mailbox)
}

// LoadThreadCache replays mailbox's on-disk thread cache, if present,
// into Collection.Forest. A missing cache file is not an error: the
// forest simply starts empty and is rebuilt incrementally as
// envelopes are fetched.
func (a *Account) LoadThreadCache(mailbox mailcore.MailboxHash) error {
	path, err := a.ThreadCachePath(mailbox)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return mailcore.Errorf(mailcore.KindBug, "backend.Account.LoadThreadCache", err)
	}
	defer f.Close()

	forest, err := thread.Deserialize(f)
	if err != nil {
		return mailcore.Errorf(mailcore.KindBug, "backend.Account.LoadThreadCache", err)
	}
	a.Collection.Forest = forest
	return nil
}

// SaveThreadCache serializes Collection.Forest to mailbox's on-disk
// cache file, overwriting any existing one.
func (a *Account) SaveThreadCache(mailbox mailcore.MailboxHash) error {
	path, err := a.ThreadCachePath(mailbox)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return mailcore.Errorf(mailcore.KindBug, "backend.Account.SaveThreadCache", err)
	}
	defer f.Close()
	return a.Collection.Forest.Serialize(f)
}

// Close releases the Account's UID store and, for IMAP accounts, its
// live connection.
func (a *Account) Close() error {
	if a.idle != nil {
		a.idle.Done()
	}
	if a.conn != nil {
		a.conn.Unselect()
	}
	return a.UIDStore.Close()
}
