package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/webhook-runner/internal/gittest"
)

func TestMain(m *testing.M) {
	gittest.InstallInProcessTransport()
	os.Exit(m.Run())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSync(t *testing.T, url string, remote Remote) *Synchronizer {
	t.Helper()
	s, err := New(Options{
		URL:          url,
		Path:         filepath.Join(t.TempDir(), "mirror.git"),
		CloneTimeout: 30 * time.Second,
		Remote:       remote,
		Logger:       quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// probeRemote records how many remote operations overlap.
type probeRemote struct {
	inner    Remote
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	clones   atomic.Int32
	fetches  atomic.Int32
}

func (p *probeRemote) enter() func() {
	n := p.inFlight.Add(1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(p.delay)
	return func() { p.inFlight.Add(-1) }
}

func (p *probeRemote) Clone(ctx context.Context, path string, opts *gogit.CloneOptions) (*gogit.Repository, error) {
	defer p.enter()()
	p.clones.Add(1)
	return p.inner.Clone(ctx, path, opts)
}

func (p *probeRemote) Fetch(ctx context.Context, repo *gogit.Repository, opts *gogit.FetchOptions) error {
	defer p.enter()()
	p.fetches.Add(1)
	return p.inner.Fetch(ctx, repo, opts)
}

// stallingRemote half-populates the clone directory and then blocks until
// the deadline, like a slow network transfer.
type stallingRemote struct{}

func (stallingRemote) Clone(ctx context.Context, path string, _ *gogit.CloneOptions) (*gogit.Repository, error) {
	_ = os.MkdirAll(filepath.Join(path, "objects", "pack"), 0o755)
	_ = os.WriteFile(filepath.Join(path, "HEAD"), []byte("ref: refs/heads/master\n"), 0o644)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallingRemote) Fetch(ctx context.Context, _ *gogit.Repository, _ *gogit.FetchOptions) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestEnsureObjectClonesOnFirstUse(t *testing.T) {
	src := gittest.InitRepo(t)
	head := src.Commit(t, "initial", nil)

	s := newSync(t, src.URL(), nil)
	obj, err := s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: head.String()})
	require.NoError(t, err)
	assert.Equal(t, head, obj.ID)
	assert.Equal(t, plumbing.CommitObject, obj.Type)
	require.NotNil(t, obj.Commit)
	assert.Equal(t, "initial", obj.Commit.Message)

	assert.FileExists(t, filepath.Join(s.Handle().Path, completeMarker))
	h := s.Handle()
	assert.Equal(t, head.String(), h.LastSynced)
	assert.Equal(t, src.URL(), h.URL)

	signed, err := obj.Signed()
	require.NoError(t, err)
	assert.Equal(t, head.String(), signed.ID)
	assert.Empty(t, signed.Signature)
}

func TestEnsureObjectFetchesNewCommits(t *testing.T) {
	src := gittest.InitRepo(t)
	first := src.Commit(t, "first", nil)

	probe := &probeRemote{inner: goGitRemote{}}
	s := newSync(t, src.URL(), probe)
	_, err := s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: first.String()})
	require.NoError(t, err)

	// Already present: no network round trip.
	_, err = s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: first.String()})
	require.NoError(t, err)
	assert.Equal(t, int32(0), probe.fetches.Load())

	second := src.Commit(t, "second", nil)
	obj, err := s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: second.String()})
	require.NoError(t, err)
	assert.Equal(t, second, obj.ID)
	assert.Equal(t, int32(1), probe.clones.Load())
	assert.Equal(t, int32(1), probe.fetches.Load())
}

func TestEnsureObjectAnnotatedTag(t *testing.T) {
	src := gittest.InitRepo(t)
	signer := gittest.NewEntity(t, "release")
	head := src.Commit(t, "release", nil)
	tag := src.Tag(t, "v1.2.3", head, signer)

	s := newSync(t, src.URL(), nil)
	obj, err := s.EnsureObject(context.Background(), Request{Ref: "refs/tags/v1.2.3", ObjectID: tag.String()})
	require.NoError(t, err)
	assert.Equal(t, plumbing.TagObject, obj.Type)
	require.NotNil(t, obj.Tag)

	signed, err := obj.Signed()
	require.NoError(t, err)
	assert.Equal(t, "tag", signed.Type)
	assert.NotEmpty(t, signed.Signature)
}

func TestEnsureObjectMissing(t *testing.T) {
	src := gittest.InitRepo(t)
	head := src.Commit(t, "initial", nil)

	s := newSync(t, src.URL(), nil)
	_, err := s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: head.String()})
	require.NoError(t, err)

	_, err = s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: "0123456789abcdef0123456789abcdef01234567"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrObjectNotFound), "got %v", err)
	assert.Equal(t, "object_not_found", Reason(err))
}

func TestEnsureObjectInvalidID(t *testing.T) {
	s := newSync(t, "https://example.invalid/repo.git", stallingRemote{})
	for _, id := range []string{"", "abc123", "zzzz456789abcdef0123456789abcdef01234567", "0000000000000000000000000000000000000000"} {
		_, err := s.EnsureObject(context.Background(), Request{ObjectID: id})
		assert.True(t, errors.Is(err, ErrObjectNotFound), "id %q: got %v", id, err)
	}
}

func TestCloneTimeoutLeavesNoCompleteTree(t *testing.T) {
	src := gittest.InitRepo(t)
	head := src.Commit(t, "initial", nil)

	path := filepath.Join(t.TempDir(), "mirror.git")
	s, err := New(Options{
		URL:          src.URL(),
		Path:         path,
		CloneTimeout: 100 * time.Millisecond,
		Remote:       stallingRemote{},
		Logger:       quietLogger(),
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: head.String()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Equal(t, "timeout", Reason(err))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "timed out clone must not be installed")
	partials, _ := filepath.Glob(path + partialSuffix + "*")
	assert.Empty(t, partials)

	// The next delivery retries from scratch.
	s.remote = goGitRemote{}
	s.opts.CloneTimeout = 30 * time.Second
	obj, err := s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: head.String()})
	require.NoError(t, err)
	assert.Equal(t, head, obj.ID)
}

func TestIncompleteWorkingCopyIsRecloned(t *testing.T) {
	src := gittest.InitRepo(t)
	head := src.Commit(t, "initial", nil)

	path := filepath.Join(t.TempDir(), "mirror.git")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "HEAD"), []byte("ref: refs/heads/master\n"), 0o644))
	stale := path + partialSuffix + "12345"
	require.NoError(t, os.MkdirAll(stale, 0o755))

	probe := &probeRemote{inner: goGitRemote{}}
	s, err := New(Options{URL: src.URL(), Path: path, CloneTimeout: 30 * time.Second, Remote: probe, Logger: quietLogger()})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale partial clone should be removed at startup")

	_, err = s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: head.String()})
	require.NoError(t, err)
	assert.Equal(t, int32(1), probe.clones.Load())
	assert.FileExists(t, filepath.Join(path, completeMarker))
}

func TestSynchronizationIsSerialized(t *testing.T) {
	src := gittest.InitRepo(t)
	head := src.Commit(t, "initial", nil)

	probe := &probeRemote{inner: goGitRemote{}, delay: 10 * time.Millisecond}
	s := newSync(t, src.URL(), probe)
	_, err := s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: head.String()})
	require.NoError(t, err)

	// Objects the remote does not have force a fetch on every call.
	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("%040x", i+1)
			_, _ = s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: id})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(callers), probe.fetches.Load())
	assert.Equal(t, int32(1), probe.maxSeen.Load(), "remote operations must never overlap")
}

func TestQueuedCallerGivesUpAtDeadline(t *testing.T) {
	s := newSync(t, "https://example.invalid/repo.git", stallingRemote{})
	s.sem <- struct{}{} // hold the working copy
	defer func() { <-s.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.EnsureObject(ctx, Request{ObjectID: "0123456789abcdef0123456789abcdef01234567"})
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestCallerCancelDoesNotAbortClone(t *testing.T) {
	src := gittest.InitRepo(t)
	head := src.Commit(t, "initial", nil)

	probe := &probeRemote{inner: goGitRemote{}, delay: 300 * time.Millisecond}
	s := newSync(t, src.URL(), probe)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err := s.EnsureObject(ctx, Request{Ref: gittest.DefaultRef, ObjectID: head.String()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCanceled), "got %v", err)
	assert.False(t, errors.Is(err, ErrTimeout), "a departed caller is not a timeout")
	assert.Equal(t, "canceled", Reason(err))
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	// The next call queues behind the clone that kept running and finds
	// the object without cloning again.
	obj, err := s.EnsureObject(context.Background(), Request{Ref: gittest.DefaultRef, ObjectID: head.String()})
	require.NoError(t, err)
	assert.Equal(t, head, obj.ID)
	assert.Equal(t, int32(1), probe.clones.Load())
	assert.FileExists(t, filepath.Join(s.Handle().Path, completeMarker))
}

func TestRemoteFromPayloadMustMatch(t *testing.T) {
	src := gittest.InitRepo(t)
	head := src.Commit(t, "initial", nil)
	other := gittest.InitRepo(t)

	s := newSync(t, "", nil)
	_, err := s.EnsureObject(context.Background(), Request{ObjectID: head.String()})
	assert.True(t, errors.Is(err, ErrRemoteMismatch), "no url anywhere: got %v", err)

	_, err = s.EnsureObject(context.Background(), Request{URL: src.URL(), ObjectID: head.String()})
	require.NoError(t, err)

	_, err = s.EnsureObject(context.Background(), Request{URL: other.URL(), ObjectID: head.String()})
	assert.True(t, errors.Is(err, ErrRemoteMismatch), "got %v", err)

	// After a restart the mirror still belongs to the first remote.
	path := s.Handle().Path
	require.NoError(t, s.Close())
	reopened, err := New(Options{Path: path, CloneTimeout: 30 * time.Second, Logger: quietLogger()})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, src.URL(), reopened.Handle().URL)

	_, err = reopened.EnsureObject(context.Background(), Request{URL: other.URL(), ObjectID: head.String()})
	assert.True(t, errors.Is(err, ErrRemoteMismatch), "got %v", err)

	obj, err := reopened.EnsureObject(context.Background(), Request{ObjectID: head.String()})
	require.NoError(t, err)
	assert.Equal(t, head, obj.ID)
}

func TestNewRejectsSecondOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.git")
	first, err := New(Options{Path: path, CloneTimeout: time.Second, Logger: quietLogger()})
	require.NoError(t, err)
	defer first.Close()

	_, err = New(Options{Path: path, CloneTimeout: time.Second, Logger: quietLogger()})
	require.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"wrapped deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), ErrTimeout},
		{"caller canceled", context.Canceled, ErrCanceled},
		{"auth required", transport.ErrAuthenticationRequired, ErrAuth},
		{"authorization", transport.ErrAuthorizationFailed, ErrAuth},
		{"ssh handshake", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"), ErrAuth},
		{"not found remote", transport.ErrRepositoryNotFound, ErrNetwork},
		{"connection refused", errors.New("dial tcp 127.0.0.1:22: connect: connection refused"), ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.in, "fetch")
			assert.True(t, errors.Is(got, tt.want), "classifyError(%v) = %v", tt.in, got)
		})
	}
	assert.NoError(t, classifyError(nil, "fetch"))
}

func TestAuthFor(t *testing.T) {
	auth, err := authFor("https://github.com/org/repo.git", "", "")
	require.NoError(t, err)
	assert.Nil(t, auth)

	_, err = authFor("git@github.com:org/repo.git", "", "")
	assert.True(t, errors.Is(err, ErrAuth), "got %v", err)

	_, err = authFor("ssh://git@example.com/repo.git", filepath.Join(t.TempDir(), "missing_key"), "")
	assert.True(t, errors.Is(err, ErrAuth), "got %v", err)
}
