package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/mattjoyce/webhook-runner/internal/lock"
	"github.com/mattjoyce/webhook-runner/internal/signature"
	"github.com/mattjoyce/webhook-runner/internal/storage"
)

const (
	// completeMarker is written into a clone only after it fully succeeded.
	completeMarker = "webhook-runner.complete"
	partialSuffix  = ".partial-"
)

// Options configures a Synchronizer.
type Options struct {
	// URL is the configured remote. When empty, the origin of an existing
	// mirror or else the URL supplied with the first request is used, and
	// later requests must match it.
	URL          string
	Path         string
	SSHKey       string
	KnownHosts   string
	CloneTimeout time.Duration
	Remote       Remote
	Logger       *slog.Logger
}

// Request names the object a delivery needs.
type Request struct {
	// URL is the remote named by the delivery, used when Options.URL is empty.
	URL      string
	Ref      string
	ObjectID string
}

// Handle is a snapshot of the working copy state.
type Handle struct {
	Path       string    `json:"path"`
	URL        string    `json:"url"`
	LastSynced string    `json:"last_synced,omitempty"`
	SyncedAt   time.Time `json:"synced_at,omitempty"`
}

// Object is a commit or annotated tag read from the working copy.
type Object struct {
	ID     plumbing.Hash
	Type   plumbing.ObjectType
	Commit *object.Commit
	Tag    *object.Tag
}

// Signed returns the signature and signed payload of the object.
func (o Object) Signed() (signature.SignedObject, error) {
	switch {
	case o.Tag != nil:
		return signature.FromTag(o.Tag)
	case o.Commit != nil:
		return signature.FromCommit(o.Commit)
	default:
		return signature.SignedObject{}, fmt.Errorf("%w: %s has no signable content", ErrObjectNotFound, o.ID)
	}
}

// Synchronizer owns the local bare mirror of a single remote. All clone and
// fetch operations against the mirror are serialized.
type Synchronizer struct {
	opts   Options
	remote Remote
	logger *slog.Logger

	// sem is a one-slot semaphore; a channel lets queued callers give up
	// when their context ends.
	sem  chan struct{}
	lock *lock.FileLock

	mu     sync.RWMutex
	handle Handle
}

// New prepares the working copy directory, takes the cross-process lock
// and removes leftovers of interrupted clones.
func New(opts Options) (*Synchronizer, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("repository path is required")
	}
	if opts.CloneTimeout <= 0 {
		return nil, fmt.Errorf("clone timeout must be positive")
	}
	if opts.Remote == nil {
		opts.Remote = goGitRemote{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve repository path: %w", err)
	}
	opts.Path = abs

	if err := storage.ValidateLocalFilesystem(abs, "repository.path"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create repository parent: %w", err)
	}
	l, err := lock.Acquire(abs + ".lock")
	if err != nil {
		return nil, fmt.Errorf("lock working copy: %w", err)
	}

	s := &Synchronizer{
		opts:   opts,
		remote: opts.Remote,
		logger: opts.Logger,
		sem:    make(chan struct{}, 1),
		lock:   l,
		handle: Handle{Path: abs, URL: opts.URL},
	}
	s.removePartials()
	if opts.URL == "" {
		s.handle.URL = s.mirroredURL()
	}
	return s, nil
}

// mirroredURL returns the origin URL of an existing complete mirror, so a
// restart keeps the remote the mirror was cloned from.
func (s *Synchronizer) mirroredURL() string {
	if !s.isComplete() {
		return ""
	}
	repo, err := openBare(s.opts.Path)
	if err != nil {
		return ""
	}
	remote, err := repo.Remote(gogit.DefaultRemoteName)
	if err != nil {
		return ""
	}
	if urls := remote.Config().URLs; len(urls) > 0 {
		s.logger.Debug("using remote of existing working copy", "url", urls[0])
		return urls[0]
	}
	return ""
}

// Close releases the cross-process lock.
func (s *Synchronizer) Close() error {
	return s.lock.Release()
}

// Handle returns a snapshot of the working copy state.
func (s *Synchronizer) Handle() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// EnsureObject makes req.ObjectID available in the working copy, cloning
// on first use and fetching req.Ref otherwise, and returns the object.
// The whole operation, including time spent queued behind other callers,
// is bounded by the clone timeout. Once started, a clone or fetch is not
// tied to ctx: a caller that goes away gets ErrCanceled while the
// operation runs on to completion or to the clone timeout.
func (s *Synchronizer) EnsureObject(ctx context.Context, req Request) (Object, error) {
	hash, ok := parseHash(req.ObjectID)
	if !ok {
		return Object{}, fmt.Errorf("%w: invalid object id %q", ErrObjectNotFound, req.ObjectID)
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CloneTimeout)

	select {
	case s.sem <- struct{}{}:
	case <-opCtx.Done():
		cancel()
		return Object{}, classifyError(opCtx.Err(), "wait for working copy")
	case <-ctx.Done():
		cancel()
		return Object{}, classifyError(ctx.Err(), "wait for working copy")
	}

	type outcome struct {
		obj Object
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer cancel()
		defer func() { <-s.sem }()
		obj, err := s.ensure(opCtx, req, hash)
		done <- outcome{obj, err}
	}()

	select {
	case out := <-done:
		return out.obj, out.err
	case <-ctx.Done():
		s.logger.Info("caller gone, synchronization continues in background", "object_id", req.ObjectID)
		return Object{}, classifyError(ctx.Err(), "sync")
	}
}

// ensure runs with the working copy held.
func (s *Synchronizer) ensure(ctx context.Context, req Request, hash plumbing.Hash) (Object, error) {
	url, err := s.remoteURL(req.URL)
	if err != nil {
		return Object{}, err
	}

	repo, cloned, err := s.open(ctx, url)
	if err != nil {
		return Object{}, err
	}

	obj, err := readObject(repo, hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) && !cloned {
		s.logger.Debug("object not present locally, fetching", "object_id", req.ObjectID, "ref", req.Ref)
		if err := s.fetch(ctx, repo, url, req.Ref); err != nil {
			return Object{}, err
		}
		obj, err = readObject(repo, hash)
	}
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return Object{}, fmt.Errorf("%s: %w", req.ObjectID, ErrObjectNotFound)
		}
		return Object{}, fmt.Errorf("read object %s: %w", req.ObjectID, err)
	}

	s.mu.Lock()
	s.handle.URL = url
	s.handle.LastSynced = hash.String()
	s.handle.SyncedAt = time.Now().UTC()
	s.mu.Unlock()

	return obj, nil
}

func (s *Synchronizer) remoteURL(requested string) (string, error) {
	if s.opts.URL != "" {
		return s.opts.URL, nil
	}
	s.mu.RLock()
	current := s.handle.URL
	s.mu.RUnlock()

	switch {
	case requested == "" && current == "":
		return "", fmt.Errorf("%w: no remote URL configured or supplied", ErrRemoteMismatch)
	case requested == "":
		return current, nil
	case current != "" && current != requested:
		return "", fmt.Errorf("%w: %s", ErrRemoteMismatch, requested)
	default:
		return requested, nil
	}
}

// open returns the working copy, cloning it when absent or incomplete.
// cloned reports whether this call produced a fresh clone.
func (s *Synchronizer) open(ctx context.Context, url string) (*gogit.Repository, bool, error) {
	path := s.opts.Path
	if s.isComplete() {
		repo, err := openBare(path)
		if err == nil {
			return repo, false, nil
		}
		s.logger.Warn("working copy unreadable, re-cloning", "path", path, "error", err)
	}

	if _, err := os.Stat(path); err == nil {
		s.logger.Warn("discarding incomplete working copy", "path", path)
		if err := os.RemoveAll(path); err != nil {
			return nil, false, fmt.Errorf("remove incomplete working copy: %w", err)
		}
	}
	s.removePartials()

	repo, err := s.clone(ctx, url)
	if err != nil {
		return nil, false, err
	}
	return repo, true, nil
}

func (s *Synchronizer) isComplete() bool {
	_, err := os.Stat(filepath.Join(s.opts.Path, completeMarker))
	return err == nil
}

// clone mirrors url into a temporary sibling directory and renames it
// into place only after the completion marker is written.
func (s *Synchronizer) clone(ctx context.Context, url string) (*gogit.Repository, error) {
	auth, err := authFor(url, s.opts.SSHKey, s.opts.KnownHosts)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(s.opts.Path)
	tmp, err := os.MkdirTemp(dir, filepath.Base(s.opts.Path)+partialSuffix)
	if err != nil {
		return nil, fmt.Errorf("create clone directory: %w", err)
	}

	start := time.Now()
	s.logger.Info("cloning repository", "url", url, "path", s.opts.Path)
	_, err = s.remote.Clone(ctx, tmp, &gogit.CloneOptions{
		URL:    url,
		Auth:   auth,
		Mirror: true,
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.RemoveAll(tmp)
		return nil, classifyError(err, "clone")
	}

	if err := os.WriteFile(filepath.Join(tmp, completeMarker), []byte(time.Now().UTC().Format(time.RFC3339Nano)+"\n"), 0o644); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, fmt.Errorf("write completion marker: %w", err)
	}
	if err := os.Rename(tmp, s.opts.Path); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, fmt.Errorf("install working copy: %w", err)
	}
	s.logger.Info("repository cloned", "url", url, "duration_ms", time.Since(start).Milliseconds())

	repo, err := openBare(s.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open working copy: %w", err)
	}
	return repo, nil
}

// fetch updates the mirror, restricted to ref when one is given.
func (s *Synchronizer) fetch(ctx context.Context, repo *gogit.Repository, url, ref string) error {
	auth, err := authFor(url, s.opts.SSHKey, s.opts.KnownHosts)
	if err != nil {
		return err
	}

	opts := &gogit.FetchOptions{
		RemoteName: gogit.DefaultRemoteName,
		RemoteURL:  url,
		Auth:       auth,
		Force:      true,
		Tags:       gogit.NoTags,
	}
	if ref != "" {
		opts.RefSpecs = []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+%s:%s", ref, ref))}
	} else {
		opts.RefSpecs = []gitconfig.RefSpec{"+refs/*:refs/*"}
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: invalid ref %q", ErrObjectNotFound, ref)
	}

	start := time.Now()
	if err := s.remote.Fetch(ctx, repo, opts); err != nil {
		return classifyError(err, "fetch")
	}
	if err := ctx.Err(); err != nil {
		return classifyError(err, "fetch")
	}
	s.logger.Debug("fetch complete", "ref", ref, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// removePartials deletes temporary clone directories left by a crash.
func (s *Synchronizer) removePartials() {
	matches, err := filepath.Glob(s.opts.Path + partialSuffix + "*")
	if err != nil {
		return
	}
	for _, m := range matches {
		s.logger.Warn("removing interrupted clone", "path", m)
		_ = os.RemoveAll(m)
	}
}

func readObject(repo *gogit.Repository, hash plumbing.Hash) (Object, error) {
	o, err := repo.Object(plumbing.AnyObject, hash)
	if err != nil {
		return Object{}, err
	}
	switch v := o.(type) {
	case *object.Commit:
		return Object{ID: hash, Type: plumbing.CommitObject, Commit: v}, nil
	case *object.Tag:
		return Object{ID: hash, Type: plumbing.TagObject, Tag: v}, nil
	default:
		return Object{}, fmt.Errorf("%w: %s is a %s", ErrObjectNotFound, hash, o.Type())
	}
}

func parseHash(id string) (plumbing.Hash, bool) {
	id = strings.TrimSpace(id)
	if len(id) != 40 {
		return plumbing.ZeroHash, false
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return plumbing.ZeroHash, false
		}
	}
	h := plumbing.NewHash(id)
	return h, !h.IsZero()
}
