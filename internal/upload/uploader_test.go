package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint fails its first failures calls, then succeeds.
type fakeEndpoint struct {
	name     string
	failures int
	err      error
	block    bool

	mu    sync.Mutex
	calls []string
}

func (f *fakeEndpoint) Name() string { return f.name }

func (f *fakeEndpoint) Upload(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	n := len(f.calls)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.failures < 0 || n <= f.failures {
		return "", f.err
	}
	return f.name + "/" + filepath.Base(path), nil
}

func (f *fakeEndpoint) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingObserver struct {
	mu      sync.Mutex
	success int
	failure int
}

func (o *countingObserver) ObserveUploadAttempt(endpoint string, success bool, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if success {
		o.success++
	} else {
		o.failure++
	}
}

func tempFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("archive bytes"), 0600))
	return p
}

func fastOptions(retries int) Options {
	return Options{MaxServerRetries: retries, RetryDelay: time.Millisecond, Timeout: time.Second}
}

func TestUploader_AllEndpointsFail(t *testing.T) {
	errA := errors.New("store9 unavailable")
	errB := errors.New("store8 unavailable")
	errC := errors.New("store7 returned 502")
	a := &fakeEndpoint{name: "a", failures: -1, err: errA}
	b := &fakeEndpoint{name: "b", failures: -1, err: errB}
	c := &fakeEndpoint{name: "c", failures: -1, err: errC}

	u := NewUploader([]Endpoint{a, b, c}, fastOptions(2), zerolog.Nop())
	res := u.UploadOne(context.Background(), tempFile(t, "set_part1.zip"))

	assert.False(t, res.Succeeded)
	assert.Equal(t, 6, res.Attempts)
	assert.Equal(t, 2, a.callCount())
	assert.Equal(t, 2, b.callCount())
	assert.Equal(t, 2, c.callCount())
	assert.ErrorIs(t, res.Err, ErrAllEndpointsFailed)
	assert.ErrorIs(t, res.Err, errC)
	assert.NotErrorIs(t, res.Err, errA)
	assert.Contains(t, res.Err.Error(), ": c: ")
}

func TestUploader_FailsOverToNextEndpoint(t *testing.T) {
	a := &fakeEndpoint{name: "a", failures: -1, err: errors.New("down")}
	b := &fakeEndpoint{name: "b"}

	u := NewUploader([]Endpoint{a, b}, fastOptions(2), zerolog.Nop())
	res := u.UploadOne(context.Background(), tempFile(t, "x.zip"))

	require.True(t, res.Succeeded, "err: %v", res.Err)
	assert.Equal(t, "b", res.Endpoint)
	assert.Equal(t, "b/x.zip", res.RemoteRef)
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.Err)
}

func TestUploader_RetriesSameEndpoint(t *testing.T) {
	a := &fakeEndpoint{name: "a", failures: 1, err: errors.New("timeout")}
	b := &fakeEndpoint{name: "b"}

	u := NewUploader([]Endpoint{a, b}, fastOptions(2), zerolog.Nop())
	res := u.UploadOne(context.Background(), tempFile(t, "x.zip"))

	require.True(t, res.Succeeded)
	assert.Equal(t, "a", res.Endpoint)
	assert.Equal(t, 2, res.Attempts)
	assert.Zero(t, b.callCount())
}

func TestUploader_FailureDoesNotAbortSiblings(t *testing.T) {
	ep := &fakeEndpoint{name: "a"}
	u := NewUploader([]Endpoint{ep}, fastOptions(2), zerolog.Nop())

	good := tempFile(t, "part2.zip")
	missing := filepath.Join(t.TempDir(), "part1.zip")

	results := u.Upload(context.Background(), []string{missing, good})
	require.Len(t, results, 2)
	assert.False(t, results[0].Succeeded)
	assert.Error(t, results[0].Err)
	assert.True(t, results[1].Succeeded)
	assert.False(t, AllSucceeded(results))
	assert.False(t, u.UploadAll(context.Background(), []string{missing, good}))
	assert.True(t, u.UploadAll(context.Background(), []string{good}))
}

func TestUploader_AttemptTimeout(t *testing.T) {
	ep := &fakeEndpoint{name: "slow", block: true}
	u := NewUploader([]Endpoint{ep}, Options{MaxServerRetries: 2, RetryDelay: time.Millisecond, Timeout: 20 * time.Millisecond}, zerolog.Nop())

	res := u.UploadOne(context.Background(), tempFile(t, "x.zip"))

	assert.False(t, res.Succeeded)
	assert.Equal(t, 2, res.Attempts)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestUploader_WaitsRetryDelayOnClock(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	ep := &fakeEndpoint{name: "a", failures: 1, err: errors.New("busy")}
	u := NewUploader([]Endpoint{ep}, Options{MaxServerRetries: 2, RetryDelay: 30 * time.Second}, zerolog.Nop())
	u.SetClock(clk)

	done := make(chan Result, 1)
	go func() {
		done <- u.UploadOne(context.Background(), tempFile(t, "x.zip"))
	}()

	require.NoError(t, clk.WaitAdvance(30*time.Second, 5*time.Second, 1))
	select {
	case res := <-done:
		assert.True(t, res.Succeeded)
		assert.Equal(t, 2, res.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("UploadOne() did not finish after advancing the clock")
	}
}

func TestUploader_Observer(t *testing.T) {
	a := &fakeEndpoint{name: "a", failures: 1, err: errors.New("busy")}
	obs := &countingObserver{}
	u := NewUploader([]Endpoint{a}, fastOptions(3), zerolog.Nop())
	u.SetObserver(obs)

	require.True(t, u.UploadOne(context.Background(), tempFile(t, "x.zip")).Succeeded)
	assert.Equal(t, 1, obs.success)
	assert.Equal(t, 1, obs.failure)
}

func TestUploader_NoEndpoints(t *testing.T) {
	u := NewUploader(nil, fastOptions(2), zerolog.Nop())
	res := u.UploadOne(context.Background(), tempFile(t, "x.zip"))
	assert.ErrorIs(t, res.Err, ErrNoEndpoints)
	assert.Zero(t, res.Attempts)
}

func TestUploader_Endpoints(t *testing.T) {
	u := NewUploader([]Endpoint{&fakeEndpoint{name: "a"}, &fakeEndpoint{name: "b"}}, fastOptions(1), zerolog.Nop())
	assert.Equal(t, []string{"a", "b"}, u.Endpoints())
}

func TestObservers_FanOut(t *testing.T) {
	a := &fakeEndpoint{name: "a", failures: 1, err: errors.New("busy")}
	first, second := &countingObserver{}, &countingObserver{}
	u := NewUploader([]Endpoint{a}, fastOptions(3), zerolog.Nop())
	u.SetObserver(Observers{first, nil, second})

	require.True(t, u.UploadOne(context.Background(), tempFile(t, "x.zip")).Succeeded)
	for _, obs := range []*countingObserver{first, second} {
		assert.Equal(t, 1, obs.success)
		assert.Equal(t, 1, obs.failure)
	}
}
