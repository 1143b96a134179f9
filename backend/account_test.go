package backend

import (
	"testing"

	"meli.sh/cachepath"
	"meli.sh/envelope"
	"meli.sh/mailcore"
	"meli.sh/thread"
)

func TestOpenIMAPAccountBuildsConnectionAndEmptyCollection(t *testing.T) {
	a, err := Open(Config{
		Kind:          AccountIMAP,
		Name:          "acct1",
		CacheProvider: cachepath.TempProvider{Root: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.Connection() == nil {
		t.Fatal("expected a non-nil Connection for AccountIMAP")
	}
	if a.JMAPEngine() != nil {
		t.Fatal("expected a nil JMAPEngine for AccountIMAP")
	}
	if a.Collection.Len() != 0 {
		t.Fatalf("Collection.Len() = %d, want 0 on a fresh account", a.Collection.Len())
	}
}

func TestOpenJMAPAccountBuildsEngine(t *testing.T) {
	a, err := Open(Config{
		Kind:          AccountJMAP,
		Name:          "acct2",
		CacheProvider: cachepath.TempProvider{Root: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.JMAPEngine() == nil {
		t.Fatal("expected a non-nil JMAPEngine for AccountJMAP")
	}
	if a.Connection() != nil {
		t.Fatal("expected a nil Connection for AccountJMAP")
	}
}

func TestSaveAndLoadThreadCacheRoundTrips(t *testing.T) {
	a, err := Open(Config{
		Kind:          AccountJMAP,
		Name:          "acct3",
		CacheProvider: cachepath.TempProvider{Root: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	root := envelope.NewEnvelope("root@x", nil)
	root.SubjectNormalized = "topic"
	root.Date = 1
	a.Collection.Insert(root)

	const mailbox = mailcore.MailboxHash(7)
	if err := a.SaveThreadCache(mailbox); err != nil {
		t.Fatalf("SaveThreadCache: %v", err)
	}

	a.Collection.Forest = thread.NewForest()
	if err := a.LoadThreadCache(mailbox); err != nil {
		t.Fatalf("LoadThreadCache: %v", err)
	}
	if a.Collection.Forest.Len() != 1 {
		t.Fatalf("Forest.Len() after reload = %d, want 1", a.Collection.Forest.Len())
	}
}

func TestLoadThreadCacheMissingFileIsNotAnError(t *testing.T) {
	a, err := Open(Config{
		Kind:          AccountJMAP,
		Name:          "acct4",
		CacheProvider: cachepath.TempProvider{Root: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if err := a.LoadThreadCache(mailcore.MailboxHash(1)); err != nil {
		t.Fatalf("LoadThreadCache on missing file: %v", err)
	}
}
