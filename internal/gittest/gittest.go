// Package gittest builds throwaway Git repositories and OpenPGP keys for tests.
package gittest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
)

var installOnce sync.Once

// InstallInProcessTransport serves file:// and local path remotes from
// this process, so tests need no git binary.
func InstallInProcessTransport() {
	installOnce.Do(func() {
		client.InstallProtocol("file", server.DefaultServer)
	})
}

// NewEntity creates an Ed25519 signing key.
func NewEntity(t testing.TB, name string) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity(name, "test key", name+"@example.com", &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
	})
	if err != nil {
		t.Fatalf("openpgp.NewEntity: %v", err)
	}
	return e
}

// ArmoredPublicKeys serializes the public halves of entities into one
// armored block.
func ArmoredPublicKeys(t testing.TB, entities ...*openpgp.Entity) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor.Encode: %v", err)
	}
	for _, e := range entities {
		if err := e.Serialize(w); err != nil {
			t.Fatalf("serialize entity: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close armor: %v", err)
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

// WriteKeyring writes an armored keyring file holding the given keys.
func WriteKeyring(t testing.TB, dir, name string, entities ...*openpgp.Entity) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, ArmoredPublicKeys(t, entities...), 0o600); err != nil {
		t.Fatalf("write keyring: %v", err)
	}
	return path
}

// Repo is a non-bare repository used as a clone source.
type Repo struct {
	Path string
	Git  *git.Repository
	n    int
}

// InitRepo creates an empty repository in a temp directory.
func InitRepo(t testing.TB) *Repo {
	t.Helper()
	dir := t.TempDir()
	r, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("git init: %v", err)
	}
	return &Repo{Path: dir, Git: r}
}

func author() *object.Signature {
	return &object.Signature{
		Name:  "Test Author",
		Email: "author@example.com",
		When:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// URL is the clone URL of the repository.
func (r *Repo) URL() string {
	return filepath.Join(r.Path, ".git")
}

// DefaultRef is the branch InitRepo commits to.
const DefaultRef = "refs/heads/master"

// Commit writes a file and commits it. A nil signer creates an unsigned commit.
func (r *Repo) Commit(t testing.TB, msg string, signer *openpgp.Entity) plumbing.Hash {
	t.Helper()
	wt, err := r.Git.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	r.n++
	name := fmt.Sprintf("file-%d.txt", r.n)
	if err := os.WriteFile(filepath.Join(r.Path, name), []byte(msg+"\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("git add: %v", err)
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author:  author(),
		SignKey: signer,
	})
	if err != nil {
		t.Fatalf("git commit: %v", err)
	}
	return hash
}

// Tag creates an annotated tag on target, signed when signer is non-nil,
// and returns the tag object id.
func (r *Repo) Tag(t testing.TB, name string, target plumbing.Hash, signer *openpgp.Entity) plumbing.Hash {
	t.Helper()
	ref, err := r.Git.CreateTag(name, target, &git.CreateTagOptions{
		Tagger:  author(),
		Message: "release " + name,
		SignKey: signer,
	})
	if err != nil {
		t.Fatalf("git tag: %v", err)
	}
	return ref.Hash()
}

// LightweightTag points refs/tags/<name> directly at target.
func (r *Repo) LightweightTag(t testing.TB, name string, target plumbing.Hash) {
	t.Helper()
	if _, err := r.Git.CreateTag(name, target, nil); err != nil {
		t.Fatalf("git tag: %v", err)
	}
}

// CommitObject loads a commit from the repository.
func (r *Repo) CommitObject(t testing.TB, hash plumbing.Hash) *object.Commit {
	t.Helper()
	c, err := r.Git.CommitObject(hash)
	if err != nil {
		t.Fatalf("load commit %s: %v", hash, err)
	}
	return c
}

// TagObject loads an annotated tag from the repository.
func (r *Repo) TagObject(t testing.TB, hash plumbing.Hash) *object.Tag {
	t.Helper()
	tag, err := r.Git.TagObject(hash)
	if err != nil {
		t.Fatalf("load tag %s: %v", hash, err)
	}
	return tag
}
