package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rime/internal/fault"
)

func shortCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestSharedLocksCoexist(t *testing.T) {
	l := NewLocker()

	a, err := l.Acquire(context.Background(), []string{"eth0"}, LockShared)
	require.NoError(t, err)
	b, err := l.Acquire(context.Background(), []string{"eth0"}, LockShared)
	require.NoError(t, err)

	a.Release()
	b.Release()
}

func TestExclusiveExcludesEveryone(t *testing.T) {
	l := NewLocker()

	lease, err := l.Acquire(context.Background(), []string{"eth0"}, LockExclusive)
	require.NoError(t, err)

	_, err = l.Acquire(shortCtx(t), []string{"eth0"}, LockExclusive)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindRequestTimeout))

	_, err = l.Acquire(shortCtx(t), []string{"eth0"}, LockShared)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindRequestTimeout))

	lease.Release()

	after, err := l.Acquire(context.Background(), []string{"eth0"}, LockShared)
	require.NoError(t, err)
	after.Release()
}

func TestSharedBlocksExclusive(t *testing.T) {
	l := NewLocker()

	q, err := l.Acquire(context.Background(), []string{"eth0"}, LockShared)
	require.NoError(t, err)

	_, err = l.Acquire(shortCtx(t), []string{"eth0"}, LockExclusive)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindRequestTimeout))

	q.Release()
	w, err := l.Acquire(context.Background(), []string{"eth0"}, LockExclusive)
	require.NoError(t, err)
	w.Release()
}

func TestDisjointSetsDoNotBlock(t *testing.T) {
	l := NewLocker()

	a, err := l.Acquire(context.Background(), []string{"eth0"}, LockExclusive)
	require.NoError(t, err)
	// A write on eth1 must not wait for eth0's lease.
	b, err := l.Acquire(shortCtx(t), []string{"eth1"}, LockExclusive)
	require.NoError(t, err)

	a.Release()
	b.Release()
}

func TestEmptyScopeTakesWholeTable(t *testing.T) {
	l := NewLocker()

	held, err := l.Acquire(context.Background(), []string{"eth0"}, LockExclusive)
	require.NoError(t, err)

	// A scope-less query waits out every in-flight request.
	_, err = l.Acquire(shortCtx(t), nil, LockShared)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindRequestTimeout))

	held.Release()

	all, err := l.Acquire(context.Background(), nil, LockShared)
	require.NoError(t, err)

	// While it runs no write may start, but other queries go through.
	_, err = l.Acquire(shortCtx(t), []string{"eth1"}, LockExclusive)
	require.Error(t, err)

	q, err := l.Acquire(context.Background(), []string{"eth1"}, LockShared)
	require.NoError(t, err)
	q.Release()

	all.Release()
}

func TestFullStateQueriesCoexist(t *testing.T) {
	l := NewLocker()

	a, err := l.Acquire(context.Background(), nil, LockShared)
	require.NoError(t, err)
	b, err := l.Acquire(context.Background(), nil, LockShared)
	require.NoError(t, err)

	// Writes stay shut out until the last query leaves.
	_, err = l.Acquire(shortCtx(t), []string{"eth0"}, LockExclusive)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindRequestTimeout))

	a.Release()
	_, err = l.Acquire(shortCtx(t), []string{"eth0"}, LockExclusive)
	require.Error(t, err)

	b.Release()
	w, err := l.Acquire(context.Background(), []string{"eth0"}, LockExclusive)
	require.NoError(t, err)
	w.Release()
}

func TestOverlappingSetsNeverDeadlock(t *testing.T) {
	l := NewLocker()

	// Both goroutines want both names, submitted in opposite order. Sorted
	// acquisition means they serialize instead of deadlocking.
	var wg sync.WaitGroup
	for _, names := range [][]string{{"eth0", "eth1"}, {"eth1", "eth0"}} {
		wg.Add(1)
		go func(names []string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				lease, err := l.Acquire(context.Background(), names, LockExclusive)
				if err != nil {
					t.Error(err)
					return
				}
				lease.Release()
			}
		}(names)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("lock acquisition deadlocked")
	}
}

func TestDuplicateAndEmptyNamesCollapse(t *testing.T) {
	l := NewLocker()

	lease, err := l.Acquire(context.Background(), []string{"eth0", "", "eth0"}, LockExclusive)
	require.NoError(t, err)
	assert.Equal(t, []string{"eth0"}, lease.names)
	lease.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := NewLocker()

	lease, err := l.Acquire(context.Background(), []string{"eth0"}, LockExclusive)
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	again, err := l.Acquire(context.Background(), []string{"eth0"}, LockExclusive)
	require.NoError(t, err)
	again.Release()
}

func TestTimedOutAcquireHoldsNothing(t *testing.T) {
	l := NewLocker()

	held, err := l.Acquire(context.Background(), []string{"eth1"}, LockExclusive)
	require.NoError(t, err)

	// Wants eth0 and eth1; gets eth0, times out on eth1, and must hand
	// eth0 back on the way out.
	_, err = l.Acquire(shortCtx(t), []string{"eth0", "eth1"}, LockExclusive)
	require.Error(t, err)

	free, err := l.Acquire(shortCtx(t), []string{"eth0"}, LockExclusive)
	require.NoError(t, err)

	free.Release()
	held.Release()
}
