package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/tomb.v2"

	"github.com/katasec/dstream-livedata/internal/logging"
	"github.com/katasec/dstream-livedata/pkg/livedata"
)

// Router is the part of the dispatcher a source feeds
type Router interface {
	Submitter
	livedata.KeyResolver
	WatchedTables() []livedata.TableID
}

// Config tunes the change table pollers
type Config struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxBatchBytes   int
}

// Source polls the CDC change tables of every watched table
type Source struct {
	conn   *sql.DB
	router Router
	cfg    Config
	logger hclog.Logger

	tomb   tomb.Tomb
	cancel context.CancelFunc
}

// NewSource creates a source over the SQL Server behind conn
func NewSource(conn *sql.DB, router Router, cfg Config, logger hclog.Logger) *Source {
	if logger == nil {
		logger = logging.GetLogger().Named("sqlserver-source")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = 30 * time.Second
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = DefaultMaxBatchBytes
	}
	return &Source{conn: conn, router: router, cfg: cfg, logger: logger}
}

// Start begins monitoring the tables watched at the time of the call. Tables without CDC enabled
// are skipped with a warning.
func (s *Source) Start(ctx context.Context) error {
	var monitors []*TableMonitor
	for _, t := range s.router.WatchedTables() {
		enabled, err := isCDCEnabled(ctx, s.conn, t.Schema, t.Table)
		if err != nil {
			return err
		}
		if !enabled {
			s.logger.Warn("Skipping table, CDC not enabled", "table", t.String())
			continue
		}

		m, err := NewTableMonitor(ctx, s.conn, s.router, t.Schema, t.Table,
			s.cfg.PollInterval, s.cfg.MaxPollInterval, s.cfg.MaxBatchBytes, s.router, s.logger)
		if err != nil {
			return err
		}
		monitors = append(monitors, m)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.tomb.Go(func() error {
		for _, m := range monitors {
			m := m
			s.tomb.Go(func() error {
				return m.MonitorTable(runCtx)
			})
		}
		<-s.tomb.Dying()
		cancel()
		return nil
	})
	s.logger.Info("Started change table monitors", "tables", len(monitors))
	return nil
}

// Stop ends every monitor and waits for them to exit
func (s *Source) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

// Dead is closed once every monitor has stopped
func (s *Source) Dead() <-chan struct{} {
	return s.tomb.Dead()
}

func isCDCEnabled(ctx context.Context, conn *sql.DB, schema, table string) (bool, error) {
	const query = `SELECT COUNT(*) FROM cdc.change_tables WHERE source_object_id = OBJECT_ID(@p1)`
	var count int
	if err := conn.QueryRowContext(ctx, query, schema+"."+table).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check cdc for %s.%s: %w", schema, table, err)
	}
	return count > 0, nil
}
