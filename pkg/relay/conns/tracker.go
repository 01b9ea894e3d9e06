package conns

import (
	"context"
	"sync"
)

// Tracker records live client connections so shutdown can close them and
// wait for their handlers to return.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]*tracked
	wg    sync.WaitGroup
}

type tracked struct {
	close func(code int, reason string)
	once  sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*tracked)}
}

// Register adds a connection. The returned func must be called when its
// handler returns.
func (t *Tracker) Register(id string, closeFn func(code int, reason string)) (unregister func()) {
	if t == nil {
		return func() {}
	}
	entry := &tracked{close: closeFn}

	t.mu.Lock()
	old := t.conns[id]
	t.conns[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}
	return func() { t.unregister(id, entry) }
}

func (t *Tracker) unregister(id string, entry *tracked) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.conns[id] == entry {
			delete(t.conns, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CloseAll closes every tracked connection with code and reason.
func (t *Tracker) CloseAll(code int, reason string) (closed int) {
	if t == nil {
		return 0
	}
	var fns []func(int, string)
	t.mu.Lock()
	for _, entry := range t.conns {
		if entry.close != nil {
			fns = append(fns, entry.close)
		}
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(code, reason)
		closed++
	}
	return closed
}

// Wait blocks until every registered connection has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
