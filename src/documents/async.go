package documents

import (
	"container/list"
	"context"
	"sync"
)

// AsyncMutex is a context-aware mutex with FIFO fairness and shared
// leases. Rebuilds take the exclusive side; feature handlers read the
// built unit under a shared lease.
type AsyncMutex struct {
	mu      sync.Mutex
	waiters *list.List // of *waiter, FIFO

	// holders counts shared leases; exclusive is a write hold.
	holders   int
	exclusive bool
}

type waiter struct {
	shared bool
	ready  chan struct{}
}

// NewAsyncMutex creates an unlocked mutex.
func NewAsyncMutex() *AsyncMutex {
	return &AsyncMutex{waiters: list.New()}
}

// Lock acquires the exclusive side, waiting in FIFO order.
func (m *AsyncMutex) Lock(ctx context.Context) error {
	return m.acquire(ctx, false)
}

// RLock acquires a shared lease. Consecutive shared waiters are admitted
// together, but never past an earlier exclusive waiter.
func (m *AsyncMutex) RLock(ctx context.Context) error {
	return m.acquire(ctx, true)
}

func (m *AsyncMutex) acquire(ctx context.Context, shared bool) error {
	m.mu.Lock()
	if m.grantableLocked(shared) {
		m.admitLocked(shared)
		m.mu.Unlock()
		return nil
	}

	w := &waiter{shared: shared, ready: make(chan struct{})}
	element := m.waiters.PushBack(w)
	m.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-w.ready:
			// Granted while cancelling; release it again.
			m.mu.Unlock()
			m.release(shared)
			return ctx.Err()
		default:
		}
		m.waiters.Remove(element)
		m.mu.Unlock()
		return ctx.Err()
	}
}

// grantableLocked reports whether a new acquisition can proceed without
// queueing: the lock state must allow it and no earlier waiter may be
// overtaken.
func (m *AsyncMutex) grantableLocked(shared bool) bool {
	if m.waiters.Len() > 0 {
		return false
	}
	if shared {
		return !m.exclusive
	}
	return !m.exclusive && m.holders == 0
}

func (m *AsyncMutex) admitLocked(shared bool) {
	if shared {
		m.holders++
	} else {
		m.exclusive = true
	}
}

// Unlock releases the exclusive side and wakes the next waiters.
func (m *AsyncMutex) Unlock() {
	m.release(false)
}

// RUnlock releases one shared lease.
func (m *AsyncMutex) RUnlock() {
	m.release(true)
}

func (m *AsyncMutex) release(shared bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if shared {
		m.holders--
	} else {
		m.exclusive = false
	}
	if m.exclusive || m.holders > 0 {
		return
	}

	// Wake the head; when it is shared, admit the whole leading run of
	// shared waiters with it.
	front := m.waiters.Front()
	if front == nil {
		return
	}
	head := front.Value.(*waiter)
	if !head.shared {
		m.waiters.Remove(front)
		m.exclusive = true
		close(head.ready)
		return
	}
	for element := m.waiters.Front(); element != nil; {
		w := element.Value.(*waiter)
		if !w.shared {
			break
		}
		next := element.Next()
		m.waiters.Remove(element)
		m.holders++
		close(w.ready)
		element = next
	}
}

// Held reports whether the exclusive side is currently held.
func (m *AsyncMutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exclusive
}
