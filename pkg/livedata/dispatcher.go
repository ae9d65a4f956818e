package livedata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/tomb.v2"
)

// ErrDispatcherStopped is returned by Err after Stop
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger
func WithLogger(logger hclog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithFetchTimeout bounds every backend call made from the dispatch loop.
// Zero leaves calls unbounded, so a stalled backend stalls the whole loop.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.fetchTimeout = timeout
	}
}

// WithRegisterer registers the dispatcher's metrics with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) {
		d.registerer = reg
	}
}

type keyEntry struct {
	column string
	found  bool
}

// Dispatcher serializes fetch requests and change batches on a single goroutine and owns the
// table channel registry and the primary key cache.
type Dispatcher struct {
	backend      Backend
	logger       hclog.Logger
	fetchTimeout time.Duration
	registerer   prometheus.Registerer
	metrics      *Metrics

	queue  *workQueue
	tomb   tomb.Tomb
	ctx    context.Context
	cancel context.CancelFunc

	tablesMu sync.Mutex
	tables   map[TableID]*TableChannel

	keysMu sync.Mutex
	keys   map[TableID]keyEntry
}

// NewDispatcher creates a dispatcher over backend and starts its loop
func NewDispatcher(backend Backend, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend: backend,
		metrics: newMetrics(),
		queue:   newWorkQueue(),
		tables:  make(map[TableID]*TableChannel),
		keys:    make(map[TableID]keyEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = GetLogger().Named("dispatcher")
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	if d.registerer != nil {
		if err := d.metrics.register(d.registerer); err != nil {
			d.logger.Warn("Failed to register dispatcher metrics", "error", err)
		}
	}

	d.tomb.Go(d.loop)
	return d
}

// SubmitFetch queues a fetch whose result is delivered to receiver only.
// A nil filter fetches the whole table as a Load record.
func (d *Dispatcher) SubmitFetch(schema, table string, filter *Filter, receiver Receiver) {
	d.push(queueItem{
		kind: itemFetch,
		fetch: fetchRequest{
			schema:   schema,
			table:    table,
			filter:   filter,
			receiver: receiver,
		},
	})
}

// SubmitChangeBatch queues records to be broadcast on their table channels
func (d *Dispatcher) SubmitChangeBatch(records []*ChangeRecord) {
	if len(records) == 0 {
		return
	}
	d.push(queueItem{kind: itemBatch, records: records})
}

func (d *Dispatcher) push(item queueItem) {
	d.metrics.queued.WithLabelValues(item.kind.String()).Inc()
	d.metrics.queueDepth.Inc()
	d.queue.push(item)
}

// Table returns the channel for (schema, table), creating it on first use
func (d *Dispatcher) Table(schema, table string) *TableChannel {
	id := NewTableID(schema, table)

	d.tablesMu.Lock()
	defer d.tablesMu.Unlock()

	if c, ok := d.tables[id]; ok {
		return c
	}
	c := &TableChannel{id: id, dispatcher: d}
	d.tables[id] = c
	d.logger.Debug("Created table channel", "table", id.String())
	return c
}

// WatchedTables returns the tables whose channel has at least one subscriber
func (d *Dispatcher) WatchedTables() []TableID {
	d.tablesMu.Lock()
	watched := make([]TableID, 0, len(d.tables))
	for id, c := range d.tables {
		if c.Subscribers() > 0 {
			watched = append(watched, id)
		}
	}
	d.tablesMu.Unlock()

	sort.Slice(watched, func(i, j int) bool {
		return watched[i].String() < watched[j].String()
	})
	return watched
}

func (d *Dispatcher) channel(id TableID) (*TableChannel, bool) {
	d.tablesMu.Lock()
	defer d.tablesMu.Unlock()
	c, ok := d.tables[id]
	return c, ok
}

// PrimaryKey returns the table's primary key column from the cache, asking the backend on a miss.
// A table without a single-column key is cached and reported as ErrNoPrimaryKey.
func (d *Dispatcher) PrimaryKey(ctx context.Context, schema, table string) (string, error) {
	id := NewTableID(schema, table)

	d.keysMu.Lock()
	entry, ok := d.keys[id]
	d.keysMu.Unlock()
	if ok {
		if !entry.found {
			return "", ErrNoPrimaryKey
		}
		return entry.column, nil
	}

	column, err := d.backend.PrimaryKey(ctx, schema, table)
	switch {
	case errors.Is(err, ErrNoPrimaryKey):
		entry = keyEntry{}
	case err != nil:
		return "", fmt.Errorf("failed to load primary key for %s: %w", id, err)
	default:
		entry = keyEntry{column: column, found: true}
	}

	d.keysMu.Lock()
	d.keys[id] = entry
	d.keysMu.Unlock()

	if !entry.found {
		return "", ErrNoPrimaryKey
	}
	return entry.column, nil
}

// Stop halts the loop. Items still queued are not delivered.
func (d *Dispatcher) Stop() error {
	d.tomb.Kill(nil)
	d.cancel()
	return d.tomb.Wait()
}

// Dead is closed once the loop has exited
func (d *Dispatcher) Dead() <-chan struct{} {
	return d.tomb.Dead()
}

// Err returns ErrDispatcherStopped once the dispatcher has been stopped, nil while it runs
func (d *Dispatcher) Err() error {
	select {
	case <-d.tomb.Dying():
		return ErrDispatcherStopped
	default:
		return nil
	}
}

// Metrics returns the dispatcher's collectors
func (d *Dispatcher) Metrics() *Metrics {
	return d.metrics
}

func (d *Dispatcher) loop() error {
	d.logger.Debug("Dispatch loop started")
	defer d.logger.Debug("Dispatch loop stopped")

	for {
		item, ok := d.queue.pop()
		if !ok {
			select {
			case <-d.tomb.Dying():
				return nil
			case <-d.queue.ready:
				continue
			}
		}

		select {
		case <-d.tomb.Dying():
			return nil
		default:
		}

		d.metrics.queueDepth.Dec()
		d.metrics.processed.WithLabelValues(item.kind.String()).Inc()
		if err := d.process(item); err != nil {
			d.metrics.dispatchErr.Inc()
			d.logger.Error("Dispatch item failed", "kind", item.kind.String(), "error", err)
		}
	}
}

// process handles one queue item; a panic raised by a receiver or the backend is turned into an
// error so the loop keeps running
func (d *Dispatcher) process(item queueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing %s item: %v", item.kind, r)
		}
	}()

	switch item.kind {
	case itemFetch:
		d.processFetch(item.fetch)
	case itemBatch:
		return d.processBatch(item.records)
	default:
		return fmt.Errorf("unknown queue item kind %d", item.kind)
	}
	return nil
}

func (d *Dispatcher) processFetch(req fetchRequest) {
	ctx := d.ctx
	if d.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.fetchTimeout)
		defer cancel()
	}

	var (
		record *ChangeRecord
		err    error
	)
	if req.filter == nil {
		record, err = d.backend.FetchSnapshot(ctx, req.schema, req.table)
	} else {
		record, err = d.backend.FetchFiltered(ctx, req.schema, req.table, req.filter.Column, req.filter.Values)
	}
	if err != nil {
		d.metrics.fetchErr.Inc()
		d.logger.Error("Fetch failed", "schema", req.schema, "table", req.table, "error", err)
		record = ErrorRecord(req.schema, req.table)
	}
	req.receiver.Accept(record)
}

// processBatch delivers every record of the batch; receiver failures are collected and reported
// once the whole batch has been delivered
func (d *Dispatcher) processBatch(records []*ChangeRecord) error {
	var errs []error
	for _, record := range records {
		c, ok := d.channel(NewTableID(record.Schema, record.Table))
		if !ok {
			d.logger.Trace("No channel for record", "schema", record.Schema, "table", record.Table)
			continue
		}
		if err := c.hub.Broadcast(record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
