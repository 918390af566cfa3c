package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/webhook-runner/internal/events"
	"github.com/mattjoyce/webhook-runner/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type recordingSink struct {
	mu      sync.Mutex
	results chan Result
	events  []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{results: make(chan Result, 16)}
}

func (r *recordingSink) RecordRun(_ context.Context, res Result) error {
	r.results <- res
	return nil
}

func (r *recordingSink) Publish(eventType string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingSink) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingSink) next(t *testing.T, within time.Duration) Result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(within):
		t.Fatalf("no result within %s", within)
		return Result{}
	}
}

func testJob() Job {
	return Job{
		Kind:       KindCommit,
		Event:      "push",
		Ref:        "refs/heads/main",
		ObjectID:   "0123456789abcdef0123456789abcdef01234567",
		ObjectType: "commit",
		DeliveryID: "delivery-1",
		Remote:     "https://example.com/repo.git",
		GitDir:     "/srv/repo.git",
		Signer:     "ABCDEF0123456789",
		Verified:   true,
		Payload:    []byte(`{"ref":"refs/heads/main"}`),
	}
}

func TestSubmitRunsCommandWithEnvironmentAndPayload(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "env")
	stdinFile := filepath.Join(dir, "stdin")

	sink := newRecordingSink()
	d := New(Config{
		Commands: map[Kind]string{
			KindCommit: `env | grep ^WEBHOOK_ | sort > "` + envFile + `"; cat > "` + stdinFile + `"; echo done`,
		},
		Workers: 1,
	}, sink, sink)

	acc, err := d.Submit(testJob())
	require.NoError(t, err)
	require.NotEmpty(t, acc.JobID)
	assert.False(t, acc.Skipped)

	res := sink.next(t, 5*time.Second)
	assert.Equal(t, acc.JobID, res.JobID)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "done\n", res.Stdout)

	env, err := os.ReadFile(envFile)
	require.NoError(t, err)
	for _, want := range []string{
		"WEBHOOK_EVENT=push",
		"WEBHOOK_REF=refs/heads/main",
		"WEBHOOK_REF_NAME=main",
		"WEBHOOK_OBJECT_ID=0123456789abcdef0123456789abcdef01234567",
		"WEBHOOK_OBJECT_TYPE=commit",
		"WEBHOOK_DELIVERY_ID=delivery-1",
		"WEBHOOK_JOB_ID=" + acc.JobID,
		"WEBHOOK_GIT_DIR=/srv/repo.git",
		"WEBHOOK_REMOTE=https://example.com/repo.git",
		"WEBHOOK_SIGNER=ABCDEF0123456789",
		"WEBHOOK_VERIFIED=true",
	} {
		assert.Contains(t, string(env), want+"\n")
	}

	stdin, err := os.ReadFile(stdinFile)
	require.NoError(t, err)
	assert.Equal(t, `{"ref":"refs/heads/main"}`, string(stdin))

	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, []string{events.JobStarted, events.JobCompleted}, sink.published())
}

func TestTemplateIsNotInterpolated(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")

	sink := newRecordingSink()
	d := New(Config{
		Commands: map[Kind]string{KindTag: `printf '%s' "$WEBHOOK_REF_NAME" > "` + out + `"`},
		Workers:  1,
	}, sink, nil)

	job := testJob()
	job.Kind = KindTag
	job.Ref = "refs/tags/v1;touch pwned"
	_, err := d.Submit(job)
	require.NoError(t, err)

	res := sink.next(t, 5*time.Second)
	assert.Equal(t, StatusSucceeded, res.Status)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "v1;touch pwned", string(got))
	_, err = os.Stat(filepath.Join(dir, "pwned"))
	assert.True(t, os.IsNotExist(err))
}

func TestSubmitWithoutTemplateIsSkipped(t *testing.T) {
	sink := newRecordingSink()
	d := New(Config{Commands: map[Kind]string{KindCommit: "true"}, Workers: 1}, sink, sink)

	job := testJob()
	job.Kind = KindTag
	acc, err := d.Submit(job)
	require.NoError(t, err)
	assert.True(t, acc.Skipped)
	assert.Empty(t, acc.JobID)
	assert.False(t, d.HasCommand(KindTag))
	assert.True(t, d.HasCommand(KindCommit))
	assert.Equal(t, 0, d.Pool().InUse())
}

func TestSubmitRejectsWhenPoolFull(t *testing.T) {
	dir := t.TempDir()
	release := filepath.Join(dir, "release")

	sink := newRecordingSink()
	d := New(Config{
		Commands: map[Kind]string{
			KindCommit: `while [ ! -f "` + release + `" ]; do sleep 0.05; done`,
		},
		Workers: 2,
	}, sink, sink)

	for i := 0; i < 2; i++ {
		_, err := d.Submit(testJob())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, d.Pool().InUse())

	_, err := d.Submit(testJob())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, sink.published(), events.JobRejected)

	require.NoError(t, os.WriteFile(release, nil, 0o644))
	sink.next(t, 5*time.Second)
	sink.next(t, 5*time.Second)
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, 0, d.Pool().InUse())

	_, err = d.Submit(testJob())
	require.NoError(t, err, "pool should accept again once slots are released")
	sink.next(t, 5*time.Second)
}

func TestTimeoutTerminatesProcessGroup(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "survived")

	sink := newRecordingSink()
	d := New(Config{
		Commands: map[Kind]string{
			KindCommit: `(sleep 2; touch "` + marker + `") & sleep 30`,
		},
		Workers: 1,
	}, sink, nil)

	job := testJob()
	job.Timeout = 200 * time.Millisecond
	_, err := d.Submit(job)
	require.NoError(t, err)

	res := sink.next(t, 10*time.Second)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Contains(t, res.Error, "timeout")
	assert.Less(t, res.Duration(), 6*time.Second)

	time.Sleep(2500 * time.Millisecond)
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "background child should have been killed with the group")
}

func TestRunStatuses(t *testing.T) {
	tests := []struct {
		name     string
		shell    string
		template string
		status   Status
		exitCode int
		stderr   string
	}{
		{
			name:     "non-zero exit",
			template: "echo oops >&2; exit 3",
			status:   StatusFailed,
			exitCode: 3,
			stderr:   "oops\n",
		},
		{
			name:     "missing shell",
			shell:    "/nonexistent/shell",
			template: "true",
			status:   StatusSpawnFailed,
			exitCode: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newRecordingSink()
			d := New(Config{
				Commands: map[Kind]string{KindCommit: tt.template},
				Shell:    tt.shell,
				Workers:  1,
			}, sink, nil)

			_, err := d.Submit(testJob())
			require.NoError(t, err)

			res := sink.next(t, 5*time.Second)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.exitCode, res.ExitCode)
			assert.Equal(t, tt.stderr, res.Stderr)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestOutputIsCapped(t *testing.T) {
	sink := newRecordingSink()
	d := New(Config{
		Commands: map[Kind]string{KindCommit: "head -c 100000 /dev/zero | tr '\\0' x"},
		Workers:  1,
	}, sink, nil)

	_, err := d.Submit(testJob())
	require.NoError(t, err)

	res := sink.next(t, 5*time.Second)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.True(t, strings.HasSuffix(res.Stdout, truncatedMarker))
	assert.Len(t, res.Stdout, maxOutputBytes+len(truncatedMarker))
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 5}

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.Truncated())

	n, err = b.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde", b.String())
	assert.True(t, b.Truncated())

	n, err = b.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde", b.String())
}

func TestPool(t *testing.T) {
	p := NewPool(0)
	assert.Equal(t, 1, p.Capacity())
	assert.True(t, p.TryAcquire())
	assert.False(t, p.TryAcquire())
	assert.Equal(t, 1, p.InUse())
	p.Release()
	assert.Equal(t, 0, p.InUse())
	assert.True(t, p.TryAcquire())
}

func TestRefName(t *testing.T) {
	assert.Equal(t, "main", Job{Ref: "refs/heads/main"}.RefName())
	assert.Equal(t, "v1.2.0", Job{Ref: "refs/tags/v1.2.0"}.RefName())
	assert.Equal(t, "refs/notes/x", Job{Ref: "refs/notes/x"}.RefName())
}

func TestWaitHonoursContext(t *testing.T) {
	sink := newRecordingSink()
	d := New(Config{Commands: map[Kind]string{KindCommit: "sleep 1"}, Workers: 1}, sink, nil)
	_, err := d.Submit(testJob())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	sink.next(t, 5*time.Second)
	require.NoError(t, d.Wait(context.Background()))
}
