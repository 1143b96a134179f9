package envelope

import (
	"fmt"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"meli.sh/mailcore"
)

// UIDStore is the shared, one-per-account store from spec.md §3: the
// mailbox -> (UID <-> envelope hash) mapping, last-seen UIDVALIDITY
// and HIGHESTMODSEQ per mailbox, the online-status record, and the
// persisted offline-cache flag. Backed by crawshaw.io/sqlite in
// WAL mode, grounded on the teacher's spilldb/db.Open/db.Init
// (PRAGMA journal_mode=WAL + ExecScript(createSQL) + sqlitex.Pool)
// pattern, generalized from the teacher's message/delivery schema to
// this package's UID/capability/online-status schema.
type UIDStore struct {
	pool *sqlitex.Pool
}

const createSQL = `
CREATE TABLE IF NOT EXISTS Mailboxes (
	MailboxHash   INTEGER PRIMARY KEY,
	Name          TEXT NOT NULL,
	UIDValidity   INTEGER NOT NULL DEFAULT 0,
	HighestModSeq INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS UIDMap (
	MailboxHash  INTEGER NOT NULL,
	UID          INTEGER NOT NULL,
	EnvelopeHash INTEGER NOT NULL,
	PRIMARY KEY (MailboxHash, UID)
);
CREATE INDEX IF NOT EXISTS UIDMapByEnvelope ON UIDMap (MailboxHash, EnvelopeHash);

CREATE TABLE IF NOT EXISTS OnlineStatus (
	ID          INTEGER PRIMARY KEY CHECK (ID = 0),
	LastContact INTEGER NOT NULL DEFAULT 0,
	Ok          INTEGER NOT NULL DEFAULT 1,
	Reason      TEXT NOT NULL DEFAULT ''
);
INSERT OR IGNORE INTO OnlineStatus (ID, LastContact, Ok, Reason) VALUES (0, 0, 1, '');

CREATE TABLE IF NOT EXISTS Prefs (
	ID                  INTEGER PRIMARY KEY CHECK (ID = 0),
	OfflineCacheEnabled INTEGER NOT NULL DEFAULT 1
);
INSERT OR IGNORE INTO Prefs (ID, OfflineCacheEnabled) VALUES (0, 1);
`

// Open creates or opens the UIDStore backed by dbfile, in WAL mode.
func Open(dbfile string) (*UIDStore, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("envelope.Open: init open: %w", err)
	}
	if err := initSchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("envelope.Open: init schema: %w", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("envelope.Open: init close: %w", err)
	}
	pool, err := sqlitex.Open(dbfile, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("envelope.Open: pool: %w", err)
	}
	return &UIDStore{pool: pool}, nil
}

// OpenMemory opens a UIDStore backed by a private in-memory database,
// for tests: the cachepath provider tells the caller where a real
// deployment would put the file, but tests never touch disk for it.
func OpenMemory() (*UIDStore, error) {
	conn, err := sqlite.OpenConn("file::memory:?mode=memory&cache=shared", 0)
	if err != nil {
		return nil, err
	}
	if err := initSchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	pool, err := sqlitex.Open("file::memory:?mode=memory&cache=shared", 0, 1)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.Close()
	return &UIDStore{pool: pool}, nil
}

func initSchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	return sqlitex.ExecScript(conn, createSQL)
}

// Close releases the underlying connection pool.
func (s *UIDStore) Close() error {
	return s.pool.Close()
}

// RegisterMailbox records name for mailbox, creating its row if
// absent.
func (s *UIDStore) RegisterMailbox(mailbox mailcore.MailboxHash, name string) error {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`INSERT INTO Mailboxes (MailboxHash, Name) VALUES ($hash, $name)
		ON CONFLICT (MailboxHash) DO UPDATE SET Name = $name;`)
	stmt.SetInt64("$hash", int64(mailbox))
	stmt.SetText("$name", name)
	_, err := stmt.Step()
	return err
}

// ClearMailbox drops every UID<->hash mapping for mailbox. This is
// the imapconn.MailboxUIDStore method invoked on a UIDVALIDITY change
// (spec.md §8 invariant 6).
func (s *UIDStore) ClearMailbox(mailbox mailcore.MailboxHash) {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`DELETE FROM UIDMap WHERE MailboxHash = $hash;`)
	stmt.SetInt64("$hash", int64(mailbox))
	stmt.Step()
}

// SetUIDValidity records the last-seen UIDVALIDITY for mailbox.
func (s *UIDStore) SetUIDValidity(mailbox mailcore.MailboxHash, uidValidity uint32) error {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`UPDATE Mailboxes SET UIDValidity = $v WHERE MailboxHash = $hash;`)
	stmt.SetInt64("$v", int64(uidValidity))
	stmt.SetInt64("$hash", int64(mailbox))
	_, err := stmt.Step()
	return err
}

// UIDValidity returns the last-seen UIDVALIDITY for mailbox, or
// (0, false) if the mailbox is unknown.
func (s *UIDStore) UIDValidity(mailbox mailcore.MailboxHash) (uint32, bool) {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`SELECT UIDValidity FROM Mailboxes WHERE MailboxHash = $hash;`)
	stmt.SetInt64("$hash", int64(mailbox))
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		stmt.Reset()
		return 0, false
	}
	v := uint32(stmt.GetInt64("UIDValidity"))
	stmt.Reset()
	return v, true
}

// SetHighestModSeq records the last-seen HIGHESTMODSEQ for mailbox.
func (s *UIDStore) SetHighestModSeq(mailbox mailcore.MailboxHash, modSeq uint64) error {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`UPDATE Mailboxes SET HighestModSeq = $v WHERE MailboxHash = $hash;`)
	stmt.SetInt64("$v", int64(modSeq))
	stmt.SetInt64("$hash", int64(mailbox))
	_, err := stmt.Step()
	return err
}

// HighestModSeq returns the last-seen HIGHESTMODSEQ for mailbox, or
// (0, false) if unknown.
func (s *UIDStore) HighestModSeq(mailbox mailcore.MailboxHash) (uint64, bool) {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`SELECT HighestModSeq FROM Mailboxes WHERE MailboxHash = $hash;`)
	stmt.SetInt64("$hash", int64(mailbox))
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		stmt.Reset()
		return 0, false
	}
	v := uint64(stmt.GetInt64("HighestModSeq"))
	stmt.Reset()
	return v, true
}

// MapUID records that uid in mailbox currently holds hash.
func (s *UIDStore) MapUID(mailbox mailcore.MailboxHash, uid uint32, hash mailcore.EnvelopeHash) error {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`INSERT INTO UIDMap (MailboxHash, UID, EnvelopeHash) VALUES ($mailbox, $uid, $hash)
		ON CONFLICT (MailboxHash, UID) DO UPDATE SET EnvelopeHash = $hash;`)
	stmt.SetInt64("$mailbox", int64(mailbox))
	stmt.SetInt64("$uid", int64(uid))
	stmt.SetInt64("$hash", int64(hash))
	_, err := stmt.Step()
	return err
}

// EnvelopeForUID returns the envelope hash mapped to uid in mailbox.
func (s *UIDStore) EnvelopeForUID(mailbox mailcore.MailboxHash, uid uint32) (mailcore.EnvelopeHash, bool) {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`SELECT EnvelopeHash FROM UIDMap WHERE MailboxHash = $mailbox AND UID = $uid;`)
	stmt.SetInt64("$mailbox", int64(mailbox))
	stmt.SetInt64("$uid", int64(uid))
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		stmt.Reset()
		return 0, false
	}
	h := mailcore.EnvelopeHash(stmt.GetInt64("EnvelopeHash"))
	stmt.Reset()
	return h, true
}

// SetOnlineStatus records the account's online status (spec.md §3:
// "an 'online' status record (last_contact_timestamp, Ok | Err(reason))").
func (s *UIDStore) SetOnlineStatus(at time.Time, ok bool, reason string) error {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`UPDATE OnlineStatus SET LastContact = $at, Ok = $ok, Reason = $reason WHERE ID = 0;`)
	stmt.SetInt64("$at", at.Unix())
	okInt := int64(0)
	if ok {
		okInt = 1
	}
	stmt.SetInt64("$ok", okInt)
	stmt.SetText("$reason", reason)
	_, err := stmt.Step()
	return err
}

// OnlineStatus returns the account's last-recorded online status.
func (s *UIDStore) OnlineStatus() (at time.Time, ok bool, reason string) {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`SELECT LastContact, Ok, Reason FROM OnlineStatus WHERE ID = 0;`)
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		stmt.Reset()
		return time.Time{}, false, ""
	}
	at = time.Unix(stmt.GetInt64("LastContact"), 0)
	ok = stmt.GetInt64("Ok") != 0
	reason = stmt.GetText("Reason")
	stmt.Reset()
	return at, ok, reason
}

// SetOfflineCacheEnabled persists the user's offline-cache preference
// (spec.md §3: "a persisted offline-cache flag"), consulted by
// syncpolicy.Select on every reconnect.
func (s *UIDStore) SetOfflineCacheEnabled(enabled bool) error {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`UPDATE Prefs SET OfflineCacheEnabled = $v WHERE ID = 0;`)
	v := int64(0)
	if enabled {
		v = 1
	}
	stmt.SetInt64("$v", v)
	_, err := stmt.Step()
	return err
}

// OfflineCacheEnabled reports the persisted offline-cache preference.
func (s *UIDStore) OfflineCacheEnabled() bool {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	stmt := conn.Prep(`SELECT OfflineCacheEnabled FROM Prefs WHERE ID = 0;`)
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		stmt.Reset()
		return true
	}
	v := stmt.GetInt64("OfflineCacheEnabled") != 0
	stmt.Reset()
	return v
}
