package livedata

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

type hubEntry struct {
	id       uint64
	receiver Receiver
}

// Hub fans a record out to every registered receiver.
//
// The receiver list is copy-on-write: Broadcast iterates the list as it was when the broadcast
// started, so receivers added or removed concurrently do not affect a broadcast in progress.
type Hub struct {
	mu      sync.Mutex // serializes writers
	nextID  uint64
	entries atomic.Pointer[[]hubEntry]
}

// Add registers a receiver and returns the handle used to remove it
func (h *Hub) Add(r Receiver) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	current := h.load()
	next := make([]hubEntry, len(current), len(current)+1)
	copy(next, current)
	next = append(next, hubEntry{id: h.nextID, receiver: r})
	h.entries.Store(&next)
	return h.nextID
}

// Remove unregisters the receiver added under id. Unknown ids are ignored.
func (h *Hub) Remove(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	current := h.load()
	for i, e := range current {
		if e.id != id {
			continue
		}
		next := make([]hubEntry, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		h.entries.Store(&next)
		return true
	}
	return false
}

// Broadcast hands the record to every receiver registered when the call started. A receiver that
// panics is reported in the returned error and does not keep the record from the others.
func (h *Hub) Broadcast(record *ChangeRecord) error {
	var errs []error
	for _, e := range h.load() {
		if err := accept(e.receiver, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func accept(r Receiver, record *ChangeRecord) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("receiver panicked on %s record for %s.%s: %v", record.Action, record.Schema, record.Table, p)
		}
	}()
	r.Accept(record)
	return nil
}

// Len returns the number of registered receivers
func (h *Hub) Len() int {
	return len(h.load())
}

func (h *Hub) load() []hubEntry {
	if p := h.entries.Load(); p != nil {
		return *p
	}
	return nil
}
