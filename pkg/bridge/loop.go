package bridge

import (
	"context"
	"sync"
	"time"
)

// loop serializes every state change of one session.
type loop struct {
	inputs   chan func()
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newLoop() *loop {
	return &loop{
		inputs: make(chan func(), 256),
		done:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}
}

// post hands fn to the session goroutine. Dropped once the session ended.
func (l *loop) post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.inputs <- fn:
		return true
	case <-l.done:
		return false
	}
}

// run executes inputs until stop is called or ctx ends. onCancel runs on the
// loop when ctx ends first.
func (l *loop) run(ctx context.Context, onCancel func()) {
	for {
		select {
		case fn := <-l.inputs:
			fn()
		case <-ctx.Done():
			onCancel()
		case <-l.done:
			return
		}
		select {
		case <-l.done:
			return
		default:
		}
	}
}

func (l *loop) stop() {
	l.doneOnce.Do(func() { close(l.done) })
	l.mu.Lock()
	for name, t := range l.timers {
		t.Stop()
		delete(l.timers, name)
	}
	l.mu.Unlock()
}

func (l *loop) stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// after arms (or re-arms) the named timer; fn runs on the loop.
func (l *loop) after(name string, d time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped() {
		return
	}
	if t, ok := l.timers[name]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		l.post(func() {
			l.mu.Lock()
			current := l.timers[name] == t
			if current {
				delete(l.timers, name)
			}
			l.mu.Unlock()
			if current {
				fn()
			}
		})
	})
	l.timers[name] = t
}

func (l *loop) cancel(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[name]; ok {
		t.Stop()
		delete(l.timers, name)
	}
}

func (l *loop) armed(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.timers[name]
	return ok
}
