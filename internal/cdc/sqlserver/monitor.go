package sqlserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-livedata/internal/cdc/utils"
	"github.com/katasec/dstream-livedata/internal/db"
	"github.com/katasec/dstream-livedata/pkg/livedata"
)

// Submitter receives the change batches of committed source transactions
type Submitter interface {
	SubmitChangeBatch(records []*livedata.ChangeRecord)
}

// TableMonitor polls the CDC change table of one source table
type TableMonitor struct {
	conn            *sql.DB
	shape           tableShape
	changeTable     string
	pollInterval    time.Duration
	maxPollInterval time.Duration
	submitter       Submitter
	batchSizer      *BatchSizer
	logger          hclog.Logger

	lastLSN []byte
	lastSeq []byte
}

// NewTableMonitor reads the table's columns and primary key and prepares a monitor for its
// default capture instance (<schema>_<table>)
func NewTableMonitor(ctx context.Context, conn *sql.DB, keys livedata.KeyResolver, schema, table string,
	pollInterval, maxPollInterval time.Duration, maxBatchBytes int, submitter Submitter, logger hclog.Logger) (*TableMonitor, error) {

	dialect, err := db.DialectFor("sqlserver")
	if err != nil {
		return nil, err
	}
	columns, err := db.GetColumnNames(ctx, conn, dialect, schema, table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("failed to monitor %s.%s: table not found", schema, table)
	}
	pk, err := keys.PrimaryKey(ctx, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to monitor %s.%s: %w", schema, table, err)
	}

	changeTable := fmt.Sprintf("cdc.%s", dialect.Quote(schema+"_"+table+"_CT"))
	logger = logger.With("table", schema+"."+table)

	return &TableMonitor{
		conn:            conn,
		shape:           tableShape{schema: schema, table: table, columns: columns, primaryKey: pk},
		changeTable:     changeTable,
		pollInterval:    pollInterval,
		maxPollInterval: maxPollInterval,
		submitter:       submitter,
		batchSizer:      NewBatchSizer(conn, changeTable, maxBatchBytes, logger),
		logger:          logger,
	}, nil
}

// MonitorTable polls for changes committed after the moment it starts until ctx ends
func (m *TableMonitor) MonitorTable(ctx context.Context) error {
	if err := m.initPosition(ctx); err != nil {
		return err
	}
	m.logger.Info("Monitoring change table", "change_table", m.changeTable, "lsn", hex.EncodeToString(m.lastLSN))

	m.batchSizer.Start(ctx)
	backoff := utils.NewBackoffManager(m.pollInterval, m.maxPollInterval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopping monitoring due to context cancellation")
			return nil
		default:
		}

		rows, err := m.fetchChanges(ctx)
		switch {
		case err != nil:
			m.logger.Error("Error fetching changes", "error", err)
		case len(rows) > 0:
			batches := buildBatches(m.shape, rows)
			for _, batch := range batches {
				m.submitter.SubmitChangeBatch(batch)
			}
			last := rows[len(rows)-1]
			m.lastLSN, m.lastSeq = last.lsn, last.seq
			m.logger.Debug("Changes submitted", "rows", len(rows), "batches", len(batches), "lsn", hex.EncodeToString(m.lastLSN))
			backoff.ResetInterval()
			continue
		default:
			m.logger.Trace("No changes found", "next_poll_in", backoff.GetInterval().String())
		}

		if err := backoff.Wait(ctx); err != nil {
			return nil
		}
	}
}

// initPosition starts after every change already in the log
func (m *TableMonitor) initPosition(ctx context.Context) error {
	var lsn []byte
	if err := m.conn.QueryRowContext(ctx, `SELECT sys.fn_cdc_get_max_lsn()`).Scan(&lsn); err != nil {
		return fmt.Errorf("failed to read max lsn: %w", err)
	}
	if lsn == nil {
		lsn = make([]byte, 10)
	}
	m.lastLSN = lsn
	m.lastSeq = bytes.Repeat([]byte{0xFF}, 10)
	return nil
}

func (m *TableMonitor) fetchChanges(ctx context.Context) ([]changeRow, error) {
	dialect, _ := db.DialectFor("sqlserver")
	quoted := make([]string, len(m.shape.columns))
	for i, c := range m.shape.columns {
		quoted[i] = "ct." + dialect.Quote(c)
	}

	// rows after the last LSN, or later rows of the last LSN when a poll stopped inside it
	query := fmt.Sprintf(`
		SELECT TOP(%d) ct.__$start_lsn, ct.__$seqval, ct.__$operation, %s
		FROM %s AS ct WITH (NOLOCK)
		WHERE (ct.__$start_lsn > @lastLSN OR (ct.__$start_lsn = @lastLSN AND ct.__$seqval > @lastSeq))
		AND ct.__$operation IN (1, 2, 4)
		ORDER BY ct.__$start_lsn, ct.__$seqval`,
		m.batchSizer.GetBatchSize(), strings.Join(quoted, ", "), m.changeTable)

	rows, err := m.conn.QueryContext(ctx, query, sql.Named("lastLSN", m.lastLSN), sql.Named("lastSeq", m.lastSeq))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", m.changeTable, err)
	}
	defer rows.Close()

	var out []changeRow
	for rows.Next() {
		row := changeRow{values: make([]sql.NullString, len(m.shape.columns))}
		targets := make([]interface{}, 0, len(m.shape.columns)+3)
		targets = append(targets, &row.lsn, &row.seq, &row.operation)
		for i := range row.values {
			targets = append(targets, &row.values[i])
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
