package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// Remote performs the network half of synchronization. The default
// implementation delegates to go-git; tests substitute probes.
type Remote interface {
	// Clone creates a bare mirror of opts.URL at path.
	Clone(ctx context.Context, path string, opts *gogit.CloneOptions) (*gogit.Repository, error)
	// Fetch updates repo from its origin remote.
	Fetch(ctx context.Context, repo *gogit.Repository, opts *gogit.FetchOptions) error
}

type goGitRemote struct{}

// Clone clones into billy-backed filesystem storage without a worktree.
func (goGitRemote) Clone(ctx context.Context, path string, opts *gogit.CloneOptions) (*gogit.Repository, error) {
	return gogit.CloneContext(ctx, openStorage(path), nil, opts)
}

// Fetch treats an already up-to-date remote as success.
func (goGitRemote) Fetch(ctx context.Context, repo *gogit.Repository, opts *gogit.FetchOptions) error {
	err := repo.FetchContext(ctx, opts)
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

func openStorage(path string) *filesystem.Storage {
	return filesystem.NewStorage(osfs.New(path), cache.NewObjectLRUDefault())
}

// openBare opens an existing bare repository at path.
func openBare(path string) (*gogit.Repository, error) {
	return gogit.Open(openStorage(path), nil)
}

// authFor returns SSH public-key auth for SSH remotes and nil otherwise.
func authFor(url, sshKey, knownHosts string) (transport.AuthMethod, error) {
	ep, err := transport.NewEndpoint(url)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if ep.Protocol != "ssh" {
		return nil, nil
	}
	if sshKey == "" {
		return nil, fmt.Errorf("%w: remote %s requires an SSH key", ErrAuth, ep.Host)
	}

	user := ep.User
	if user == "" {
		user = "git"
	}
	auth, err := gitssh.NewPublicKeysFromFile(user, sshKey, "")
	if err != nil {
		return nil, fmt.Errorf("%w: load ssh key: %v", ErrAuth, err)
	}
	if knownHosts != "" {
		cb, err := gitssh.NewKnownHostsCallback(knownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		auth.HostKeyCallback = cb
	}
	return auth, nil
}
