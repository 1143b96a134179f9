// Package cachepath resolves the on-disk cache directory used to
// persist per-mailbox thread forests (spec.md §6, "thread cache files
// in the user's cache directory under meli/{mailbox_hash}_Thread/threads").
//
// It exists as a seam (spec.md §9 redesign note: "inject a path
// provider interface so tests supply an isolated temp directory")
// rather than a bare os.UserCacheDir call sprinkled through the thread
// and backend packages.
package cachepath

import (
	"fmt"
	"os"
	"path/filepath"

	"meli.sh/mailcore"
)

// Provider resolves the cache directory root for one account.
type Provider interface {
	CacheDir(account string) (string, error)
}

// DefaultProvider uses os.UserCacheDir()/meli/{account}, the real
// on-disk location a deployed binary uses.
type DefaultProvider struct{}

func (DefaultProvider) CacheDir(account string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "meli", account), nil
}

// TempProvider roots every account's cache under a single directory,
// normally t.TempDir() in tests, so test runs never touch a real
// user cache directory.
type TempProvider struct {
	Root string
}

func (p TempProvider) CacheDir(account string) (string, error) {
	return filepath.Join(p.Root, account), nil
}

// ThreadCachePath returns the full path to the thread cache file for
// one mailbox, creating its parent directory if absent.
func ThreadCachePath(p Provider, account string, mailbox mailcore.MailboxHash) (string, error) {
	dir, err := p.CacheDir(account)
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, fmt.Sprintf("%d_Thread", uint64(mailbox)))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "threads"), nil
}
