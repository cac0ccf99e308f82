package locks

import (
	"context"
	"sync"
	"time"
)

type memorySlot struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker serializes calls per resource within one process. It gives no
// guarantee across processes. A resource's slot lives only while some call
// holds or waits for it.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*memorySlot
	opts  Options
}

func NewMemoryLocker(o Options) *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*memorySlot), opts: o.withDefaults()}
}

func (l *MemoryLocker) join(resource string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[resource]
	if !ok {
		s = &memorySlot{ch: make(chan struct{}, 1)}
		l.slots[resource] = s
	}
	s.refs++
	return s.ch
}

func (l *MemoryLocker) leave(resource string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[resource]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, resource)
	}
}

func (l *MemoryLocker) RunWithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	ch := l.join(resource)
	defer l.leave(resource)

	err := acquire(ctx, resource, l.opts, func() (bool, error) {
		select {
		case ch <- struct{}{}:
			return true, nil
		default:
			return false, nil
		}
	})
	if err != nil {
		return err
	}

	return runLocked(ctx, ttl, fn, func() { <-ch })
}
