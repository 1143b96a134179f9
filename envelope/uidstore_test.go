package envelope

import (
	"testing"
	"time"

	"meli.sh/mailcore"
)

func newTestStore(t *testing.T) *UIDStore {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUIDStoreMailboxRoundTrip(t *testing.T) {
	s := newTestStore(t)
	inbox := mailcore.MailboxHash(1)

	if err := s.RegisterMailbox(inbox, "INBOX"); err != nil {
		t.Fatalf("RegisterMailbox: %v", err)
	}
	if err := s.SetUIDValidity(inbox, 42); err != nil {
		t.Fatalf("SetUIDValidity: %v", err)
	}
	if v, ok := s.UIDValidity(inbox); !ok || v != 42 {
		t.Fatalf("UIDValidity = %d,%v want 42,true", v, ok)
	}
	if err := s.SetHighestModSeq(inbox, 17); err != nil {
		t.Fatalf("SetHighestModSeq: %v", err)
	}
	if v, ok := s.HighestModSeq(inbox); !ok || v != 17 {
		t.Fatalf("HighestModSeq = %d,%v want 17,true", v, ok)
	}
}

func TestUIDStoreClearMailboxOnUIDValidityChange(t *testing.T) {
	s := newTestStore(t)
	inbox := mailcore.MailboxHash(1)
	s.RegisterMailbox(inbox, "INBOX")

	hash := mailcore.HashEnvelope("a@x", nil)
	if err := s.MapUID(inbox, 100, hash); err != nil {
		t.Fatalf("MapUID: %v", err)
	}
	if got, ok := s.EnvelopeForUID(inbox, 100); !ok || got != hash {
		t.Fatalf("EnvelopeForUID = %v,%v want %v,true", got, ok, hash)
	}

	s.ClearMailbox(inbox)

	if _, ok := s.EnvelopeForUID(inbox, 100); ok {
		t.Fatal("expected UID map cleared")
	}
}

func TestUIDStoreOnlineStatus(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1700000000, 0)
	if err := s.SetOnlineStatus(now, false, "network unreachable"); err != nil {
		t.Fatalf("SetOnlineStatus: %v", err)
	}
	at, ok, reason := s.OnlineStatus()
	if ok || reason != "network unreachable" || !at.Equal(now) {
		t.Fatalf("OnlineStatus = %v,%v,%q", at, ok, reason)
	}
}

func TestUIDStoreOfflineCacheDefaultsEnabled(t *testing.T) {
	s := newTestStore(t)
	if !s.OfflineCacheEnabled() {
		t.Fatal("offline cache should default to enabled")
	}
	if err := s.SetOfflineCacheEnabled(false); err != nil {
		t.Fatalf("SetOfflineCacheEnabled: %v", err)
	}
	if s.OfflineCacheEnabled() {
		t.Fatal("offline cache should now be disabled")
	}
}
