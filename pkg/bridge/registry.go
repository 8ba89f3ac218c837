package bridge

import (
	"errors"
	"sync"
)

// ErrCallNotFound is returned when no live session serves a call sid.
var ErrCallNotFound = errors.New("bridge: call not found")

// Registry tracks live telephony sessions by call sid. A nil *Registry is a
// valid empty registry.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Telephony
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Telephony)}
}

func (r *Registry) add(callSID string, t *Telephony) {
	if r == nil || callSID == "" {
		return
	}
	r.mu.Lock()
	r.calls[callSID] = t
	r.mu.Unlock()
}

// remove drops callSID only if it still maps to t.
func (r *Registry) remove(callSID string, t *Telephony) {
	if r == nil || callSID == "" {
		return
	}
	r.mu.Lock()
	if r.calls[callSID] == t {
		delete(r.calls, callSID)
	}
	r.mu.Unlock()
}

func (r *Registry) Lookup(callSID string) (*Telephony, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.calls[callSID]
	return t, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// UpdateInstructions patches the instructions of a live call.
func (r *Registry) UpdateInstructions(callSID, text string) error {
	t, ok := r.Lookup(callSID)
	if !ok {
		return ErrCallNotFound
	}
	return t.UpdateInstructions(text)
}
