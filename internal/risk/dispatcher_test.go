package risk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	calls    map[string]int
	active   map[string]int
	overlap  atomic.Bool
	delay    time.Duration
	block    chan struct{}
	err      error
	panicFor string
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{calls: map[string]int{}, active: map[string]int{}}
}

func (f *fakeAnalyzer) AnalyzeSession(ctx context.Context, sessionID string) (*Analysis, error) {
	f.mu.Lock()
	f.calls[sessionID]++
	f.active[sessionID]++
	if f.active[sessionID] > 1 {
		f.overlap.Store(true)
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[sessionID]--
		f.mu.Unlock()
	}()

	if sessionID == f.panicFor {
		panic("boom")
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return &Analysis{SessionID: sessionID}, f.err
}

func (f *fakeAnalyzer) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func TestDispatcher_RunsAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newFakeAnalyzer()
	d := NewDispatcher(a, 3, 16)
	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, d.Dispatch(id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, 0, d.Pending())
	for _, id := range []string{"s1", "s2", "s3"} {
		assert.Equal(t, 1, a.Calls(id))
	}

	require.NoError(t, d.Shutdown(ctx))
	assert.ErrorIs(t, d.Dispatch("s4"), ErrDispatcherClosed)
	require.NoError(t, d.Shutdown(ctx))
}

func TestDispatcher_DeduplicatesQueuedSessions(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newFakeAnalyzer()
	a.block = make(chan struct{})
	d := NewDispatcher(a, 1, 8)

	// The first entry occupies the only worker; the rest wait in the queue.
	require.NoError(t, d.Dispatch("busy"))
	require.Eventually(t, func() bool { return a.Calls("busy") == 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Dispatch("s1"))
	}
	assert.Equal(t, 2, d.Pending())

	close(a.block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, 1, a.Calls("s1"))
	require.NoError(t, d.Shutdown(ctx))
}

func TestDispatcher_SerializesPerSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newFakeAnalyzer()
	a.delay = 10 * time.Millisecond
	d := NewDispatcher(a, 4, 64)

	for i := 0; i < 20; i++ {
		err := d.Dispatch("same")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	require.NoError(t, d.Shutdown(ctx))
	assert.False(t, a.overlap.Load(), "analyses of one session overlapped")
	assert.GreaterOrEqual(t, a.Calls("same"), 2)
}

func TestDispatcher_QueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newFakeAnalyzer()
	a.block = make(chan struct{})
	d := NewDispatcher(a, 1, 1)

	require.NoError(t, d.Dispatch("s1"))
	require.Eventually(t, func() bool { return a.Calls("s1") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Dispatch("s2"))
	assert.ErrorIs(t, d.Dispatch("s3"), ErrQueueFull)

	close(a.block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.Equal(t, 0, a.Calls("s3"))
}

func TestDispatcher_ShutdownDeadlineCancelsInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newFakeAnalyzer()
	a.block = make(chan struct{})
	d := NewDispatcher(a, 1, 4)
	require.NoError(t, d.Dispatch("stuck"))
	require.Eventually(t, func() bool { return a.Calls("stuck") == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDispatcher_SurvivesFailuresAndPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newFakeAnalyzer()
	a.err = errors.New("database unavailable")
	a.panicFor = "bad"
	d := NewDispatcher(a, 2, 8)

	require.NoError(t, d.Dispatch("bad"))
	require.NoError(t, d.Dispatch("s1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))

	require.NoError(t, d.Dispatch("s2"))
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, 1, a.Calls("s2"))
	require.NoError(t, d.Shutdown(ctx))
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
