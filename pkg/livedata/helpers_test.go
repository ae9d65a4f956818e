package livedata

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

var errBackendDown = errors.New("backend down")

type memTable struct {
	columns []string
	pk      string
	rows    [][]*string
}

type filterCall struct {
	table  string
	column string
	values []string
}

// memBackend serves fetches from in-memory tables
type memBackend struct {
	mu          sync.Mutex
	tables      map[TableID]*memTable
	fail        bool
	block       chan struct{}
	keyCalls    int
	keyErr      error
	filterCalls []filterCall
}

func newMemBackend() *memBackend {
	b := &memBackend{tables: make(map[TableID]*memTable)}
	b.addTable("flush", "flush", "", nil)
	return b
}

func (b *memBackend) addTable(schema, table, pk string, columns []string, rows ...[]*string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables[NewTableID(schema, table)] = &memTable{columns: columns, pk: pk, rows: rows}
}

func (b *memBackend) setFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fail
}

func (b *memBackend) wait(ctx context.Context) error {
	b.mu.Lock()
	block := b.block
	b.mu.Unlock()
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *memBackend) query(action Action, schema, table string, keep func(t *memTable, row []*string) bool) (*ChangeRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return nil, errBackendDown
	}
	t, ok := b.tables[NewTableID(schema, table)]
	if !ok {
		return nil, errors.New("no such table")
	}
	record := NewRecord(action, schema, table, t.columns...)
	record.IDColumnIndex = record.ColumnIndex(t.pk)
	for _, row := range t.rows {
		if keep(t, row) {
			record.AppendRow(row)
		}
	}
	return record, nil
}

func (b *memBackend) FetchSnapshot(ctx context.Context, schema, table string) (*ChangeRecord, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.query(Load, schema, table, func(*memTable, []*string) bool { return true })
}

func (b *memBackend) FetchFiltered(ctx context.Context, schema, table, column string, values []string) (*ChangeRecord, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.filterCalls = append(b.filterCalls, filterCall{table: table, column: column, values: values})
	b.mu.Unlock()

	return b.query(Modify, schema, table, func(t *memTable, row []*string) bool {
		for i, c := range t.columns {
			if !strings.EqualFold(c, column) || row[i] == nil {
				continue
			}
			for _, v := range values {
				if *row[i] == v {
					return true
				}
			}
		}
		return false
	})
}

func (b *memBackend) FetchInsertedSinceCursor(ctx context.Context, schema, table string) (*ChangeRecord, error) {
	return b.query(Modify, schema, table, func(*memTable, []*string) bool { return true })
}

func (b *memBackend) PrimaryKey(ctx context.Context, schema, table string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keyCalls++
	if b.keyErr != nil {
		return "", b.keyErr
	}
	t, ok := b.tables[NewTableID(schema, table)]
	if !ok || t.pk == "" {
		return "", ErrNoPrimaryKey
	}
	return t.pk, nil
}

func (b *memBackend) calls() []filterCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]filterCall(nil), b.filterCalls...)
}

// collector records everything it is handed
type collector struct {
	records chan *ChangeRecord
}

func newCollector() *collector {
	return &collector{records: make(chan *ChangeRecord, 256)}
}

func (c *collector) Accept(record *ChangeRecord) {
	c.records <- record
}

func (c *collector) next(t *testing.T) *ChangeRecord {
	t.Helper()
	select {
	case r := <-c.records:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a record")
		return nil
	}
}

func (c *collector) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case r := <-c.records:
		t.Fatalf("unexpected %s record for %s.%s with %d rows", r.Action, r.Schema, r.Table, len(r.Rows))
	case <-time.After(within):
	}
}

// flush waits until every item queued before the call has been processed
func flush(t *testing.T, d *Dispatcher) {
	t.Helper()
	done := make(chan struct{})
	d.SubmitFetch("flush", "flush", nil, ReceiverFunc(func(*ChangeRecord) { close(done) }))
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out flushing the dispatcher")
	}
}

func newTestDispatcher(t *testing.T, backend Backend, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithLogger(hclog.NewNullLogger())}, opts...)
	d := NewDispatcher(backend, opts...)
	t.Cleanup(func() {
		require.NoError(t, d.Stop())
	})
	return d
}

func cells(row []*string) []string {
	out := make([]string, len(row))
	for i, c := range row {
		if c != nil {
			out[i] = *c
		}
	}
	return out
}

func ids(record *ChangeRecord) []string {
	out := make([]string, 0, len(record.Rows))
	for _, row := range record.Rows {
		out = append(out, record.ID(row))
	}
	return out
}

// peopleAndPhones seeds person(id, name) and phone(id, userId, number)
func peopleAndPhones(b *memBackend) {
	b.addTable("test", "person", "id", []string{"id", "name"},
		Row("1", "Bob"),
		Row("2", "Chris"),
		Row("3", "Doug"),
	)
	b.addTable("test", "phone", "id", []string{"id", "userId", "phoneNumber"},
		Row("10", "1", "555-555-1111"),
		Row("11", "2", "555-555-2222"),
		Row("12", "3", "555-555-3333"),
	)
}
