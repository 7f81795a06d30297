package limiter

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

type ticket struct {
	holder     string
	enqueuedAt time.Time
	running    bool

	// seenAt is the last Acquire by the holder. Order uses enqueuedAt,
	// pruning uses seenAt.
	seenAt time.Time
}

type keyState struct {
	sem     *semaphore.Weighted
	tickets []ticket
}

// Keyed is an in-process Limiter with one weighted semaphore per key.
// Entries are dropped once their queue drains.
type Keyed struct {
	mu    sync.Mutex
	limit int64
	ttl   time.Duration
	now   func() time.Time
	keys  map[string]*keyState
}

// NewKeyed creates a Keyed limiter allowing limit concurrent holders per
// key. A ttl of zero disables pruning.
func NewKeyed(limit int64, ttl time.Duration) *Keyed {
	if limit < 1 {
		limit = 1
	}
	return &Keyed{
		limit: limit,
		ttl:   ttl,
		now:   time.Now,
		keys:  make(map[string]*keyState),
	}
}

func (k *Keyed) Acquire(_ context.Context, key, holder string, enqueuedAt time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	st, ok := k.keys[key]
	if !ok {
		st = &keyState{sem: semaphore.NewWeighted(k.limit)}
		k.keys[key] = st
	}
	now := k.now()
	k.prune(st, now)

	idx := st.index(holder)
	if idx < 0 {
		st.tickets = append(st.tickets, ticket{holder: holder, enqueuedAt: enqueuedAt, seenAt: now})
		sort.SliceStable(st.tickets, func(i, j int) bool {
			return st.tickets[i].enqueuedAt.Before(st.tickets[j].enqueuedAt)
		})
		idx = st.index(holder)
	}

	t := &st.tickets[idx]
	t.seenAt = now
	if t.running {
		return nil
	}
	if int64(idx) >= k.limit || !st.sem.TryAcquire(1) {
		return ErrBusy
	}
	t.running = true
	return nil
}

func (k *Keyed) Release(_ context.Context, key, holder string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	st, ok := k.keys[key]
	if !ok {
		return nil
	}
	if idx := st.index(holder); idx >= 0 {
		st.remove(idx)
	}
	if len(st.tickets) == 0 {
		delete(k.keys, key)
	}
	return nil
}

// Len returns the number of queued tickets for key
func (k *Keyed) Len(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if st, ok := k.keys[key]; ok {
		return len(st.tickets)
	}
	return 0
}

// prune drops tickets whose holder has not called Acquire within the ttl.
// A running holder is last seen when it was admitted.
func (k *Keyed) prune(st *keyState, now time.Time) {
	if k.ttl <= 0 {
		return
	}
	cutoff := now.Add(-k.ttl)
	for i := len(st.tickets) - 1; i >= 0; i-- {
		if st.tickets[i].seenAt.Before(cutoff) {
			st.remove(i)
		}
	}
}

func (st *keyState) index(holder string) int {
	for i, t := range st.tickets {
		if t.holder == holder {
			return i
		}
	}
	return -1
}

func (st *keyState) remove(i int) {
	if st.tickets[i].running {
		st.sem.Release(1)
	}
	st.tickets = append(st.tickets[:i], st.tickets[i+1:]...)
}

var _ Limiter = (*Keyed)(nil)
