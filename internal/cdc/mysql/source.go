package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/tomb.v2"

	"github.com/katasec/dstream-livedata/internal/cdc/utils"
	"github.com/katasec/dstream-livedata/internal/logging"
)

// Transactions receives the statement stream of the binlog
type Transactions interface {
	Begin()
	Classify(ctx context.Context, schema, sql string)
	End(ctx context.Context, commit bool)
	Active() bool
}

// Config describes how to reach the binlog
type Config struct {
	// DSN is a go-sql-driver/mysql data source name for a user with REPLICATION SLAVE and
	// REPLICATION CLIENT privileges
	DSN string
	// ServerID must be unique among the server's replicas
	ServerID uint32
	// Flavor is "mysql" or "mariadb"
	Flavor string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) syncerConfig() (replication.BinlogSyncerConfig, error) {
	dsn, err := mysqldriver.ParseDSN(c.DSN)
	if err != nil {
		return replication.BinlogSyncerConfig{}, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}

	host, portText, err := net.SplitHostPort(dsn.Addr)
	if err != nil {
		host, portText = dsn.Addr, "3306"
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return replication.BinlogSyncerConfig{}, fmt.Errorf("failed to parse mysql port %q: %w", portText, err)
	}

	flavor := c.Flavor
	if flavor == "" {
		flavor = gomysql.MySQLFlavor
	}
	serverID := c.ServerID
	if serverID == 0 {
		serverID = 1001
	}

	return replication.BinlogSyncerConfig{
		ServerID:        serverID,
		Flavor:          flavor,
		Host:            host,
		Port:            uint16(port),
		User:            dsn.User,
		Password:        dsn.Passwd,
		HeartbeatPeriod: 30 * time.Second,
	}, nil
}

// Source streams a statement-format MySQL binlog into Transactions
type Source struct {
	cfg    Config
	conn   *sql.DB
	txns   Transactions
	logger hclog.Logger

	tomb   tomb.Tomb
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pos       gomysql.Position
	committed gomysql.Position
	warnedRow bool
}

// NewSource creates a source reading the binlog of the server behind conn
func NewSource(conn *sql.DB, txns Transactions, cfg Config, logger hclog.Logger) *Source {
	if logger == nil {
		logger = logging.GetLogger().Named("mysql-source")
	}
	return &Source{cfg: cfg, conn: conn, txns: txns, logger: logger}
}

// Start positions the source at the server's current binlog position and starts streaming
func (s *Source) Start(ctx context.Context) error {
	syncerCfg, err := s.cfg.syncerConfig()
	if err != nil {
		return err
	}

	pos, err := masterPosition(ctx, s.conn)
	if err != nil {
		return err
	}
	s.setPositions(pos, pos)
	s.logger.Info("Starting binlog stream", "file", pos.Name, "position", pos.Pos)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.tomb.Go(func() error {
		return s.run(syncerCfg)
	})
	return nil
}

// Stop ends streaming and waits for the loop to exit
func (s *Source) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.tomb.Kill(nil)
	s.cancel()
	return s.tomb.Wait()
}

// Dead is closed once the source has stopped
func (s *Source) Dead() <-chan struct{} {
	return s.tomb.Dead()
}

// Position returns the binlog position of the last committed transaction
func (s *Source) Position() gomysql.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func (s *Source) run(cfg replication.BinlogSyncerConfig) error {
	backoff := utils.NewBackoffManager(s.cfg.InitialBackoff, s.cfg.MaxBackoff)

	for {
		err := s.stream(cfg, backoff)
		select {
		case <-s.tomb.Dying():
			return nil
		default:
		}

		s.logger.Error("Binlog stream failed, reconnecting", "error", err, "retry_in", backoff.GetInterval().String())
		if s.txns.Active() {
			s.txns.End(s.ctx, false)
		}
		s.mu.Lock()
		s.pos = s.committed
		s.mu.Unlock()

		if err := backoff.Wait(s.ctx); err != nil {
			return nil
		}
	}
}

func (s *Source) stream(cfg replication.BinlogSyncerConfig, backoff *utils.BackoffManager) error {
	syncer := replication.NewBinlogSyncer(cfg)
	defer syncer.Close()

	s.mu.Lock()
	start := s.committed
	s.mu.Unlock()

	streamer, err := syncer.StartSync(start)
	if err != nil {
		return fmt.Errorf("failed to start binlog sync at %s: %w", start, err)
	}

	for {
		ev, err := streamer.GetEvent(s.ctx)
		if err != nil {
			return fmt.Errorf("failed to read binlog event: %w", err)
		}
		backoff.ResetInterval()
		s.handleEvent(s.ctx, ev)
	}
}

// handleEvent maps one binlog event onto the transaction stream
func (s *Source) handleEvent(ctx context.Context, ev *replication.BinlogEvent) {
	switch e := ev.Event.(type) {
	case *replication.GTIDEvent, *replication.MariadbGTIDEvent:
		s.txns.Begin()

	case *replication.QueryEvent:
		query := strings.TrimSpace(string(e.Query))
		switch strings.ToUpper(strings.TrimRight(query, "; ")) {
		case "BEGIN":
			if !s.txns.Active() {
				s.txns.Begin()
			}
		case "COMMIT":
			s.txns.End(ctx, true)
			s.markCommitted(ev.Header)
		case "ROLLBACK":
			s.txns.End(ctx, false)
			s.markCommitted(ev.Header)
		default:
			if s.txns.Active() {
				s.txns.Classify(ctx, string(e.Schema), query)
			} else {
				s.logger.Trace("Statement outside a transaction", "schema", string(e.Schema))
			}
		}

	case *replication.XIDEvent:
		s.txns.End(ctx, true)
		s.markCommitted(ev.Header)

	case *replication.RotateEvent:
		pos := gomysql.Position{Name: string(e.NextLogName), Pos: uint32(e.Position)}
		s.mu.Lock()
		s.pos = pos
		if !s.txns.Active() {
			s.committed = pos
		}
		s.mu.Unlock()
		s.logger.Debug("Binlog rotated", "file", pos.Name, "position", pos.Pos)
		return

	case *replication.RowsEvent:
		if !s.warnedRow {
			s.warnedRow = true
			s.logger.Warn("Row-based binlog events are ignored, set binlog_format=STATEMENT")
		}
	}

	if ev.Header != nil && ev.Header.LogPos > 0 {
		s.mu.Lock()
		s.pos.Pos = ev.Header.LogPos
		s.mu.Unlock()
	}
}

func (s *Source) markCommitted(header *replication.EventHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if header != nil && header.LogPos > 0 {
		s.pos.Pos = header.LogPos
	}
	s.committed = s.pos
}

func (s *Source) setPositions(pos, committed gomysql.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = pos
	s.committed = committed
}

// masterPosition reads the current binlog file and offset
func masterPosition(ctx context.Context, conn *sql.DB) (gomysql.Position, error) {
	var lastErr error
	for _, query := range []string{"SHOW BINARY LOG STATUS", "SHOW MASTER STATUS"} {
		pos, err := queryPosition(ctx, conn, query)
		if err == nil {
			return pos, nil
		}
		lastErr = err
	}
	return gomysql.Position{}, fmt.Errorf("failed to read binlog position: %w", lastErr)
}

func queryPosition(ctx context.Context, conn *sql.DB, query string) (gomysql.Position, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return gomysql.Position{}, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return gomysql.Position{}, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return gomysql.Position{}, err
		}
		return gomysql.Position{}, errors.New("binary logging is disabled")
	}

	values := make([]sql.NullString, len(columns))
	scanArgs := make([]interface{}, len(columns))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	if err := rows.Scan(scanArgs...); err != nil {
		return gomysql.Position{}, err
	}
	return parsePosition(columns, values)
}

func parsePosition(columns []string, values []sql.NullString) (gomysql.Position, error) {
	var pos gomysql.Position
	for i, c := range columns {
		switch strings.ToLower(c) {
		case "file":
			pos.Name = values[i].String
		case "position":
			n, err := strconv.ParseUint(values[i].String, 10, 32)
			if err != nil {
				return gomysql.Position{}, fmt.Errorf("invalid binlog position %q: %w", values[i].String, err)
			}
			pos.Pos = uint32(n)
		}
	}
	if pos.Name == "" {
		return gomysql.Position{}, errors.New("binlog status has no file")
	}
	return pos, nil
}
