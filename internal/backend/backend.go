package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-livedata/internal/db"
	"github.com/katasec/dstream-livedata/internal/logging"
	"github.com/katasec/dstream-livedata/pkg/livedata"
)

// Option configures a SQLBackend
type Option func(*SQLBackend)

// WithLogger sets the backend's logger
func WithLogger(logger hclog.Logger) Option {
	return func(b *SQLBackend) {
		b.logger = logger
	}
}

// WithKeyResolver resolves primary keys through r instead of querying the catalog on every fetch
func WithKeyResolver(r livedata.KeyResolver) Option {
	return func(b *SQLBackend) {
		b.SetKeyResolver(r)
	}
}

// WithCursorStore shares a cursor store between backends
func WithCursorStore(s *CursorStore) Option {
	return func(b *SQLBackend) {
		b.cursors = s
	}
}

type resolverBox struct {
	r livedata.KeyResolver
}

// SQLBackend implements livedata.Backend over database/sql
type SQLBackend struct {
	conn     *sql.DB
	dialect  db.Dialect
	logger   hclog.Logger
	cursors  *CursorStore
	resolver atomic.Pointer[resolverBox]
}

var _ livedata.Backend = (*SQLBackend)(nil)

// New creates a backend reading through conn
func New(conn *sql.DB, dialect db.Dialect, opts ...Option) *SQLBackend {
	b := &SQLBackend{
		conn:    conn,
		dialect: dialect,
		cursors: NewCursorStore(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logging.GetLogger().Named("backend")
	}
	return b
}

// SetKeyResolver installs the resolver used to find id columns, usually the dispatcher
func (b *SQLBackend) SetKeyResolver(r livedata.KeyResolver) {
	b.resolver.Store(&resolverBox{r: r})
}

// Cursors returns the backend's cursor store
func (b *SQLBackend) Cursors() *CursorStore {
	return b.cursors
}

// FetchSnapshot reads the whole table as a Load record. The first snapshot of a table seeds its
// insert cursor.
func (b *SQLBackend) FetchSnapshot(ctx context.Context, schema, table string) (*livedata.ChangeRecord, error) {
	record, sawID, err := b.fetch(ctx, livedata.Load, schema, table, "", nil)
	if err != nil {
		return nil, err
	}
	if sawID {
		b.cursors.Init(livedata.NewTableID(schema, table), record.LargestID)
	}
	return record, nil
}

// FetchFiltered reads the rows whose column equals one of values as a Modify record
func (b *SQLBackend) FetchFiltered(ctx context.Context, schema, table, column string, values []string) (*livedata.ChangeRecord, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("failed to fetch %s.%s: no filter values", schema, table)
	}

	var where string
	if len(values) == 1 {
		where = fmt.Sprintf("%s = %s", b.dialect.Quote(column), b.dialect.Placeholder(1))
	} else {
		where = fmt.Sprintf("%s IN (%s)", b.dialect.Quote(column), b.dialect.Placeholders(1, len(values)))
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}

	record, _, err := b.fetch(ctx, livedata.Modify, schema, table, where, args)
	return record, err
}

// FetchInsertedSinceCursor reads the rows above the table's cursor and advances it.
// Without a cursor every row is returned.
func (b *SQLBackend) FetchInsertedSinceCursor(ctx context.Context, schema, table string) (*livedata.ChangeRecord, error) {
	id := livedata.NewTableID(schema, table)

	var (
		where string
		args  []interface{}
	)
	if cursor, ok := b.cursors.Load(id); ok {
		pk, err := b.primaryKey(ctx, schema, table)
		if err != nil {
			return nil, err
		}
		where = fmt.Sprintf("%s > %s", b.dialect.Quote(pk), b.dialect.Placeholder(1))
		args = []interface{}{cursor}
	}

	record, sawID, err := b.fetch(ctx, livedata.Modify, schema, table, where, args)
	if err != nil {
		return nil, err
	}
	if sawID {
		b.cursors.Advance(id, record.LargestID)
	}
	return record, nil
}

// PrimaryKey reads the table's primary key from the catalog.
// Tables with no key or a composite key report livedata.ErrNoPrimaryKey.
func (b *SQLBackend) PrimaryKey(ctx context.Context, schema, table string) (string, error) {
	columns, err := db.GetPrimaryKeyColumns(ctx, b.conn, b.dialect, schema, table)
	if err != nil {
		return "", err
	}
	if len(columns) != 1 {
		b.logger.Debug("Table is not keyed by a single column", "schema", schema, "table", table, "columns", len(columns))
		return "", livedata.ErrNoPrimaryKey
	}
	return columns[0], nil
}

func (b *SQLBackend) primaryKey(ctx context.Context, schema, table string) (string, error) {
	if box := b.resolver.Load(); box != nil && box.r != nil {
		return box.r.PrimaryKey(ctx, schema, table)
	}
	return b.PrimaryKey(ctx, schema, table)
}

// fetch runs SELECT * with an optional predicate and scans every cell as a nullable string.
// sawID reports whether any row had an integer id.
func (b *SQLBackend) fetch(ctx context.Context, action livedata.Action, schema, table, where string, args []interface{}) (*livedata.ChangeRecord, bool, error) {
	pk, err := b.primaryKey(ctx, schema, table)
	if err != nil {
		if errors.Is(err, livedata.ErrNoPrimaryKey) {
			return nil, false, fmt.Errorf("failed to fetch %s.%s: %w", schema, table, err)
		}
		return nil, false, err
	}

	query := "SELECT * FROM " + b.dialect.QualifiedTable(schema, table)
	if where != "" {
		query += " WHERE " + where
	}
	b.logger.Trace("Fetching rows", "query", query, "args", len(args))

	rows, err := b.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read columns of %s.%s: %w", schema, table, err)
	}

	record := livedata.NewRecord(action, schema, table, columns...)
	record.IDColumnIndex = record.ColumnIndex(pk)
	if record.IDColumnIndex < 0 {
		return nil, false, fmt.Errorf("failed to fetch %s.%s: primary key %s not in result", schema, table, pk)
	}

	sawID := false
	values := make([]sql.NullString, len(columns))
	scanArgs := make([]interface{}, len(columns))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, false, fmt.Errorf("failed to scan %s.%s: %w", schema, table, err)
		}
		row := make([]*string, len(columns))
		for i, v := range values {
			if v.Valid {
				s := v.String
				row[i] = &s
			}
		}
		if id := record.ID(row); id != "" {
			if _, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err == nil {
				sawID = true
				record.ObserveID(id)
			}
		}
		record.AppendRow(row)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to read %s.%s: %w", schema, table, err)
	}
	return record, sawID, nil
}
