package engine

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"grimm.is/rime/internal/clock"
	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/metrics"
)

// Lock modes. Queries share, applies exclude.
const (
	LockShared    = "shared"
	LockExclusive = "exclusive"
)

// maxHolders bounds concurrent shared holders of one lock. An exclusive
// acquire takes the full weight, shutting shared holders out.
const maxHolders = 1 << 30

// Locker serializes access to interfaces by name. Callers acquire the exact
// set an operation touches; names are taken in sorted order so two requests
// wanting overlapping sets cannot deadlock. The table gate lets a whole-table
// query wait out every in-flight write without knowing the interface names
// in advance, while still running alongside other queries.
type Locker struct {
	table *tableGate

	mu    sync.Mutex
	locks map[string]*ilock
}

type ilock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocker creates an empty lock table.
func NewLocker() *Locker {
	return &Locker{
		table: newTableGate(),
		locks: make(map[string]*ilock),
	}
}

// Lease is a held lock set. Release returns every lock; it is safe to call
// more than once.
type Lease struct {
	locker     *Locker
	names      []string
	role       gateRole
	nameWeight int64
	once       sync.Once
}

// Acquire takes locks covering the named interfaces, blocking until they are
// free or ctx ends. An empty name set means the whole table: a shared
// acquire (a scope-less query) waits out every in-flight write but runs
// alongside other queries, an exclusive one waits out everything. On ctx
// expiry nothing stays held and the caller gets RequestTimeout.
func (l *Locker) Acquire(ctx context.Context, names []string, mode string) (*Lease, error) {
	started := clock.Now()

	lease := &Lease{
		locker:     l,
		names:      sortedUnique(names),
		nameWeight: 1,
	}
	if mode == LockExclusive {
		lease.nameWeight = maxHolders
	}
	switch {
	case len(lease.names) == 0 && mode == LockExclusive:
		lease.role = gateFull
	case len(lease.names) == 0:
		lease.role = gateQuery
	case mode == LockExclusive:
		lease.role = gateWrite
	default:
		lease.role = gateRead
	}

	if err := l.table.enter(ctx, lease.role); err != nil {
		return nil, fault.RequestTimeout("timed out waiting for the interface table")
	}
	for i, name := range lease.names {
		il := l.retain(name)
		if err := il.sem.Acquire(ctx, lease.nameWeight); err != nil {
			l.releaseNames(lease.names[:i], lease.nameWeight)
			l.unretain(name)
			l.table.leave(lease.role)
			return nil, fault.RequestTimeout("timed out waiting for %s lock on %s", mode, name)
		}
	}

	metrics.Get().ObserveLockWait(mode, clock.Since(started))
	return lease, nil
}

// Release returns the held locks.
func (le *Lease) Release() {
	le.once.Do(func() {
		le.locker.releaseNames(le.names, le.nameWeight)
		le.locker.table.leave(le.role)
	})
}

// gateRole classifies a lease at the table level.
type gateRole int

const (
	gateRead  gateRole = iota // shared lease on named interfaces
	gateWrite                 // exclusive lease on named interfaces
	gateQuery                 // scope-less shared, wants a settled table
	gateFull                  // scope-less exclusive, wants everything
)

// tableGate separates whole-table queries from interface writes. Writers run
// concurrently with each other, as do queries; the two sides exclude one
// another so a scope-less query observes a settled table and two such
// queries never serialize. Scoped shared leases pass through unhindered
// unless a full-table exclusive holds the gate.
type tableGate struct {
	mu      sync.Mutex
	readers int
	writers int
	queries int
	full    bool
	changed chan struct{} // closed and replaced whenever a holder leaves
}

func newTableGate() *tableGate {
	return &tableGate{changed: make(chan struct{})}
}

func (g *tableGate) enter(ctx context.Context, role gateRole) error {
	for {
		g.mu.Lock()
		if g.admit(role) {
			g.hold(role)
			g.mu.Unlock()
			return nil
		}
		wait := g.changed
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (g *tableGate) admit(role gateRole) bool {
	if g.full {
		return false
	}
	switch role {
	case gateRead:
		return true
	case gateWrite:
		return g.queries == 0
	case gateQuery:
		return g.writers == 0
	case gateFull:
		return g.readers == 0 && g.writers == 0 && g.queries == 0
	}
	return false
}

func (g *tableGate) hold(role gateRole) {
	switch role {
	case gateRead:
		g.readers++
	case gateWrite:
		g.writers++
	case gateQuery:
		g.queries++
	case gateFull:
		g.full = true
	}
}

func (g *tableGate) leave(role gateRole) {
	g.mu.Lock()
	switch role {
	case gateRead:
		g.readers--
	case gateWrite:
		g.writers--
	case gateQuery:
		g.queries--
	case gateFull:
		g.full = false
	}
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()
}

func (l *Locker) retain(name string) *ilock {
	l.mu.Lock()
	defer l.mu.Unlock()
	il, ok := l.locks[name]
	if !ok {
		il = &ilock{sem: semaphore.NewWeighted(maxHolders)}
		l.locks[name] = il
	}
	il.refs++
	return il
}

// unretain drops a reference taken by retain without releasing semaphore
// weight, for acquires that never got the weight.
func (l *Locker) unretain(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	il := l.locks[name]
	il.refs--
	if il.refs == 0 {
		delete(l.locks, name)
	}
}

func (l *Locker) releaseNames(names []string, weight int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, name := range names {
		il := l.locks[name]
		il.sem.Release(weight)
		il.refs--
		if il.refs == 0 {
			delete(l.locks, name)
		}
	}
}

func sortedUnique(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
