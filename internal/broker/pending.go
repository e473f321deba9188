package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CancelReason says why a pending request was cancelled instead of answered.
type CancelReason string

const (
	CancelTimeout      CancelReason = "timeout"
	CancelShuttingDown CancelReason = "shutting down"
)

// CancelledError is returned from Await when the request was cancelled.
type CancelledError struct {
	Reason CancelReason
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("request cancelled: %s", e.Reason)
}

// ErrAlreadyPending is returned by Register when a request is already
// outstanding for the same conversation.
var ErrAlreadyPending = fmt.Errorf("a question is already pending in this conversation")

type outcome struct {
	text   string
	reason CancelReason
	failed bool
}

type slot struct {
	ch        chan outcome
	createdAt time.Time
}

// PendingTable maps correlation keys (conversation ids) to single-resolution
// completion slots. All operations share one mutex, so register, resolve and
// removal are atomic with respect to each other. Exactly-once delivery is
// structural: a slot leaves the map in the same critical section that writes
// its outcome, so no second resolve or cancel can ever reach the same waiter.
type PendingTable struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewPendingTable() *PendingTable {
	return &PendingTable{slots: make(map[string]*slot)}
}

// Register inserts an empty completion slot under key and returns the handle
// the caller suspends on. Fails with ErrAlreadyPending if a slot exists.
func (t *PendingTable) Register(key string) (*WaitHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.slots[key]; exists {
		return nil, ErrAlreadyPending
	}
	s := &slot{ch: make(chan outcome, 1), createdAt: time.Now()}
	t.slots[key] = s
	return &WaitHandle{table: t, key: key, ch: s.ch}, nil
}

// Resolve fills the slot for key with the reply text, wakes its waiter and
// removes it, returning true. Returns false when no slot exists, which is
// the normal case: the inbound stream carries all channel traffic, not just
// replies.
func (t *PendingTable) Resolve(key, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[key]
	if !ok {
		return false
	}
	delete(t.slots, key)
	s.ch <- outcome{text: text}
	return true
}

// Cancel removes the slot for key, waking its waiter with a failure.
// Returns false if no slot was present.
func (t *PendingTable) Cancel(key string, reason CancelReason) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked(key, reason)
}

// CancelAll cancels every pending request; used when the event stream dies,
// since a dead stream means no reply will ever arrive.
func (t *PendingTable) CancelAll(reason CancelReason) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key := range t.slots {
		if t.cancelLocked(key, reason) {
			n++
		}
	}
	return n
}

func (t *PendingTable) cancelLocked(key string, reason CancelReason) bool {
	s, ok := t.slots[key]
	if !ok {
		return false
	}
	delete(t.slots, key)
	s.ch <- outcome{failed: true, reason: reason}
	return true
}

// remove discards the slot without waking anyone; used by the waiter itself
// when it abandons the wait. Returns false if the slot was already gone.
func (t *PendingTable) remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.slots[key]; !ok {
		return false
	}
	delete(t.slots, key)
	return true
}

// Len returns the number of outstanding requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// WaitHandle is the waiter's side of one registered slot.
type WaitHandle struct {
	table *PendingTable
	key   string
	ch    chan outcome
}

// Await suspends until the slot is resolved or cancelled, or ctx ends.
// When ctx ends first, the slot is removed before returning so a late reply
// cannot resolve a request its caller has abandoned; if resolution won that
// race the buffered outcome is returned instead of the ctx error.
func (h *WaitHandle) Await(ctx context.Context) (string, error) {
	select {
	case out := <-h.ch:
		return h.unpack(out)
	case <-ctx.Done():
		if !h.table.remove(h.key) {
			// Resolved or cancelled concurrently; the outcome is already
			// buffered.
			out := <-h.ch
			return h.unpack(out)
		}
		return "", ctx.Err()
	}
}

func (h *WaitHandle) unpack(out outcome) (string, error) {
	if out.failed {
		return "", &CancelledError{Reason: out.reason}
	}
	return out.text, nil
}
