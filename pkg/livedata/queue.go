package livedata

import "sync"

type itemKind int

const (
	itemFetch itemKind = iota
	itemBatch
)

func (k itemKind) String() string {
	switch k {
	case itemFetch:
		return "fetch"
	case itemBatch:
		return "batch"
	default:
		return "unknown"
	}
}

type fetchRequest struct {
	schema   string
	table    string
	filter   *Filter
	receiver Receiver
}

// queueItem is either a fetch request for one receiver or a batch to broadcast
type queueItem struct {
	kind    itemKind
	fetch   fetchRequest
	records []*ChangeRecord
}

// workQueue is an unbounded FIFO with a single consumer.
// ready holds at most one pending wake-up; the consumer re-checks the queue after every wake-up.
type workQueue struct {
	mu    sync.Mutex
	items []queueItem
	ready chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{ready: make(chan struct{}, 1)}
}

func (q *workQueue) push(item queueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *workQueue) pop() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items[0] = queueItem{}
	q.items = q.items[1:]
	return item, true
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
