package backend

import (
	"sync"

	"github.com/katasec/dstream-livedata/pkg/livedata"
)

// CursorStore keeps the highest primary key seen per table.
// Cursors live in memory; every start re-snapshots the watched tables, which seeds them again.
type CursorStore struct {
	mu      sync.Mutex
	cursors map[livedata.TableID]int64
}

// NewCursorStore creates an empty store
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[livedata.TableID]int64)}
}

// Load returns the table's cursor and whether one is known
func (s *CursorStore) Load(table livedata.TableID) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[table]
	return c, ok
}

// Init sets the cursor only when the table has none
func (s *CursorStore) Init(table livedata.TableID, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cursors[table]; !ok {
		s.cursors[table] = id
	}
}

// Advance moves the cursor forward to id; it never moves back
func (s *CursorStore) Advance(table livedata.TableID, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.cursors[table]; !ok || id > current {
		s.cursors[table] = id
	}
}
