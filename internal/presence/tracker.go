package presence

import (
	"encoding/json"
	"sync"
)

// Tracker keeps the number of members connected to one room's presence channel.
type Tracker struct {
	mu    sync.Mutex
	count int
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// SetFull resynchronizes the count from the member map delivered when the
// subscription succeeds.
func (t *Tracker) SetFull(members map[string]json.RawMessage) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count = len(members)
	return t.count
}

func (t *Tracker) Increment() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	return t.count
}

// Decrement never takes the count below zero, so a removal delivered before
// the resync that already accounted for it is harmless.
func (t *Tracker) Decrement() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count > 0 {
		t.count--
	}
	return t.count
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
