package cdc

import (
	"context"
	"errors"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/katasec/dstream-livedata/internal/logging"
	"github.com/katasec/dstream-livedata/pkg/livedata"
)

// Router is the part of the dispatcher the assembler feeds
type Router interface {
	SubmitChangeBatch(records []*livedata.ChangeRecord)
	WatchedTables() []livedata.TableID
	PrimaryKey(ctx context.Context, schema, table string) (string, error)
}

// Fetcher re-reads rows whose literal statement values are not enough to describe them
type Fetcher interface {
	FetchFiltered(ctx context.Context, schema, table, column string, values []string) (*livedata.ChangeRecord, error)
	FetchInsertedSinceCursor(ctx context.Context, schema, table string) (*livedata.ChangeRecord, error)
}

// AssemblerOption configures an Assembler
type AssemblerOption func(*Assembler)

// WithClassifier replaces the default sqlparser classifier
func WithClassifier(c Classifier) AssemblerOption {
	return func(a *Assembler) {
		a.classifier = c
	}
}

// WithAssemblerLogger sets the assembler's logger
func WithAssemblerLogger(logger hclog.Logger) AssemblerOption {
	return func(a *Assembler) {
		a.logger = logger
	}
}

// WithAssemblerRegisterer registers the assembler's metrics with reg
func WithAssemblerRegisterer(reg prometheus.Registerer) AssemblerOption {
	return func(a *Assembler) {
		a.registerer = reg
	}
}

// pendingUpdate is an update record, or a key to re-fetch when the statement set a computed value
type pendingUpdate struct {
	record *livedata.ChangeRecord
	resync bool
	column string
	id     string
}

// Assembler buffers the statements of one source transaction and submits them as a single change
// batch when the transaction commits.
//
// An Assembler is driven by one capture source and is not safe for concurrent use.
type Assembler struct {
	router     Router
	fetcher    Fetcher
	classifier Classifier
	logger     hclog.Logger
	registerer prometheus.Registerer
	metrics    *assemblerMetrics

	active  bool
	updates []pendingUpdate
	inserts []*livedata.ChangeRecord
	deletes []*livedata.ChangeRecord
	invalid []*livedata.ChangeRecord
}

// NewAssembler creates an assembler submitting to router and re-fetching through fetcher
func NewAssembler(router Router, fetcher Fetcher, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		router:     router,
		fetcher:    fetcher,
		classifier: NewSQLClassifier(),
		metrics:    newAssemblerMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.GetLogger().Named("assembler")
	}
	if a.registerer != nil {
		if err := a.metrics.register(a.registerer); err != nil {
			a.logger.Warn("Failed to register assembler metrics", "error", err)
		}
	}
	return a
}

// Active reports whether a transaction is open
func (a *Assembler) Active() bool {
	return a.active
}

// Begin opens a transaction; anything buffered by an unfinished one is discarded
func (a *Assembler) Begin() {
	if a.active && a.buffered() > 0 {
		a.logger.Warn("Transaction started before the previous one ended, discarding its statements", "statements", a.buffered())
	}
	a.reset()
	a.active = true
}

// Classify buffers the record a statement produces. Statements for unwatched tables are skipped
// before parsing; unsupported shapes are logged and skipped.
func (a *Assembler) Classify(ctx context.Context, schema, sql string) {
	if !a.active {
		a.skip(hclog.Debug, "no_transaction", "Statement outside a transaction", schema, sql, nil)
		return
	}
	if !screen(schema, sql, a.router.WatchedTables()) {
		return
	}

	stmt, err := a.classifier.Classify(schema, sql)
	if err != nil {
		a.skip(hclog.Warn, "unsupported", "Skipping statement", schema, sql, err)
		return
	}

	switch stmt.Kind {
	case KindInsert:
		Compress(&a.inserts, livedata.NewRecord(livedata.Modify, stmt.Schema, stmt.Table))
	case KindUpdate:
		switch a.whereKey(ctx, stmt, sql) {
		case primaryKeyWhere:
			a.updates = append(a.updates, updateRecord(stmt))
		case otherColumnWhere:
			if u, ok := columnResync(stmt); ok {
				a.updates = append(a.updates, u)
			} else {
				a.invalidate(stmt)
			}
		}
	case KindDelete:
		switch a.whereKey(ctx, stmt, sql) {
		case primaryKeyWhere:
			record := livedata.NewRecord(livedata.Delete, stmt.Schema, stmt.Table, stmt.Where.Column)
			record.AppendRow([]*string{stmt.Where.Value})
			Compress(&a.deletes, record)
		case otherColumnWhere:
			// the deleted ids can no longer be read back
			a.invalidate(stmt)
		}
	}
}

// End closes the transaction. A rollback discards everything buffered. A commit re-fetches
// inserted rows and resynced updates and submits modifications, inserts, deletes and the Error
// records of invalidated tables, in that order, as one change batch.
func (a *Assembler) End(ctx context.Context, commit bool) {
	defer a.reset()

	if !commit {
		a.metrics.transactions.WithLabelValues("rollback").Inc()
		a.logger.Debug("Transaction rolled back", "statements", a.buffered())
		return
	}
	a.metrics.transactions.WithLabelValues("commit").Inc()

	batch := make([]*livedata.ChangeRecord, 0, a.buffered())
	for _, u := range a.updates {
		if !u.resync {
			batch = append(batch, u.record)
			continue
		}
		record, err := a.fetcher.FetchFiltered(ctx, u.record.Schema, u.record.Table, u.column, []string{u.id})
		batch = a.appendFetched(batch, u.record, record, err)
	}
	for _, placeholder := range a.inserts {
		record, err := a.fetcher.FetchInsertedSinceCursor(ctx, placeholder.Schema, placeholder.Table)
		batch = a.appendFetched(batch, placeholder, record, err)
	}
	batch = append(batch, a.deletes...)
	batch = append(batch, a.invalid...)

	if len(batch) == 0 {
		return
	}
	for _, r := range batch {
		a.metrics.records.WithLabelValues(r.Action.String()).Inc()
	}
	a.logger.Debug("Transaction committed", "records", len(batch))
	a.router.SubmitChangeBatch(batch)
}

func (a *Assembler) appendFetched(batch []*livedata.ChangeRecord, placeholder, record *livedata.ChangeRecord, err error) []*livedata.ChangeRecord {
	if err != nil {
		a.logger.Error("Failed to re-fetch committed rows", "schema", placeholder.Schema, "table", placeholder.Table, "error", err)
		return append(batch, livedata.ErrorRecord(placeholder.Schema, placeholder.Table))
	}
	if record == nil || (len(record.Rows) == 0 && record.Action != livedata.Error) {
		return batch
	}
	return append(batch, record)
}

type whereKind int

const (
	skippedWhere whereKind = iota
	primaryKeyWhere
	otherColumnWhere
)

// whereKey reports whether the statement's where column is the table's primary key. Comparing
// with NULL matches no rows, so such statements are skipped.
func (a *Assembler) whereKey(ctx context.Context, stmt *Statement, sql string) whereKind {
	if stmt.Where == nil {
		a.skip(hclog.Warn, "unsupported", "Skipping statement without a where clause", stmt.Schema, sql, nil)
		return skippedWhere
	}
	if stmt.Where.Value == nil {
		a.skip(hclog.Debug, "null_key", "Where clause compares with NULL", stmt.Schema, sql, nil)
		return skippedWhere
	}
	pk, err := a.router.PrimaryKey(ctx, stmt.Schema, stmt.Table)
	switch {
	case errors.Is(err, livedata.ErrNoPrimaryKey):
		a.skip(hclog.Warn, "no_primary_key", "Table has no single-column primary key", stmt.Schema, sql, nil)
		return skippedWhere
	case err != nil:
		a.skip(hclog.Error, "primary_key_lookup", "Failed to resolve primary key", stmt.Schema, sql, err)
		return skippedWhere
	case !strings.EqualFold(pk, stmt.Where.Column):
		return otherColumnWhere
	}
	return primaryKeyWhere
}

// invalidate buffers one Error record for the statement's table
func (a *Assembler) invalidate(stmt *Statement) {
	record := livedata.ErrorRecord(stmt.Schema, stmt.Table)
	for _, existing := range a.invalid {
		if existing.SameTable(record) {
			return
		}
	}
	a.logger.Warn("Statement rows cannot be identified, invalidating table", "schema", stmt.Schema, "table", stmt.Table, "kind", stmt.Kind.String())
	a.metrics.invalidated.WithLabelValues(stmt.Kind.String()).Inc()
	a.invalid = append(a.invalid, record)
}

func (a *Assembler) skip(level hclog.Level, reason, msg, schema, sql string, err error) {
	a.metrics.skipped.WithLabelValues(reason).Inc()
	args := []interface{}{"reason", reason, "schema", schema, "sql", truncate(sql, 200)}
	if err != nil {
		args = append(args, "error", err)
	}
	a.logger.Log(level, msg, args...)
}

func (a *Assembler) buffered() int {
	return len(a.updates) + len(a.inserts) + len(a.deletes) + len(a.invalid)
}

func (a *Assembler) reset() {
	a.active = false
	a.updates = nil
	a.inserts = nil
	a.deletes = nil
	a.invalid = nil
}

// updateRecord builds a Modify record with columns [where, set...] keyed on the where column.
// A computed set value turns the update into a re-fetch of the row.
func updateRecord(stmt *Statement) pendingUpdate {
	record := livedata.NewRecord(livedata.Modify, stmt.Schema, stmt.Table, stmt.Where.Column)
	row := []*string{stmt.Where.Value}
	for _, set := range stmt.Set {
		if !set.Literal {
			return pendingUpdate{record: record, resync: true, column: stmt.Where.Column, id: *stmt.Where.Value}
		}
		record.Columns = append(record.Columns, set.Column)
		row = append(row, set.Value)
	}
	record.AppendRow(row)
	return pendingUpdate{record: record}
}

// columnResync re-fetches the rows an update keyed on a non-key column touched. When the update
// rewrites the where column itself the rows are looked up by the new value, which must be a
// literal.
func columnResync(stmt *Statement) (pendingUpdate, bool) {
	value := *stmt.Where.Value
	for _, set := range stmt.Set {
		if !strings.EqualFold(set.Column, stmt.Where.Column) {
			continue
		}
		if !set.Literal || set.Value == nil {
			return pendingUpdate{}, false
		}
		value = *set.Value
	}
	return pendingUpdate{
		record: livedata.NewRecord(livedata.Modify, stmt.Schema, stmt.Table),
		resync: true,
		column: stmt.Where.Column,
		id:     value,
	}, true
}

// Compress appends record's rows to the buffered record of the same table, or adds record when the
// buffer has none. The column list of a merged record is left unchanged.
func Compress(buffer *[]*livedata.ChangeRecord, record *livedata.ChangeRecord) {
	for _, existing := range *buffer {
		if existing.SameTable(record) {
			existing.Rows = append(existing.Rows, record.Rows...)
			return
		}
	}
	*buffer = append(*buffer, record)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
