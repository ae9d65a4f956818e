package ingester

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/katasec/dstream-livedata/internal/backend"
	"github.com/katasec/dstream-livedata/internal/cdc"
	"github.com/katasec/dstream-livedata/internal/cdc/mysql"
	"github.com/katasec/dstream-livedata/internal/cdc/sqlserver"
	"github.com/katasec/dstream-livedata/internal/cdc/utils"
	"github.com/katasec/dstream-livedata/internal/config"
	"github.com/katasec/dstream-livedata/internal/db"
	"github.com/katasec/dstream-livedata/internal/locking"
	"github.com/katasec/dstream-livedata/internal/logging"
	"github.com/katasec/dstream-livedata/internal/sink"
	"github.com/katasec/dstream-livedata/pkg/livedata"
)

// Source captures committed changes and feeds them to the dispatcher
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Dead() <-chan struct{}
}

// Ingester runs one capture pipeline: a source feeding a dispatcher whose configured watches
// deliver to a sink
type Ingester struct {
	config   *config.Config
	logger   hclog.Logger
	registry *prometheus.Registry

	dbConn     *sql.DB
	dispatcher *livedata.Dispatcher
	watches    []*livedata.JoinView
	locker     locking.DistributedLocker
	source     Source
	closeSink  func()
}

// New creates an ingester for cfg
func New(cfg *config.Config) *Ingester {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Ingester{
		config:   cfg,
		logger:   logging.GetLogger().Named("ingester"),
		registry: registry,
	}
}

// Run starts the pipeline and blocks until ctx ends or a component dies, then shuts down
func (s *Ingester) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.config.Metrics != nil && s.config.Metrics.Listen != "" {
		s.serveMetrics(ctx, g, s.config.Metrics.Listen)
	}

	g.Go(func() error {
		err := s.start(ctx)
		if err == nil {
			err = s.wait(ctx)
		}
		if stopErr := s.stop(); err == nil {
			err = stopErr
		}
		return err
	})

	return g.Wait()
}

func (s *Ingester) start(ctx context.Context) error {
	s.logger.Info("Starting livedata ingester", "driver", s.config.Database.Driver, "source", s.config.Source.Type)

	fetcher, err := s.connect(ctx)
	if err != nil {
		return err
	}

	receiver, err := s.newSink()
	if err != nil {
		return err
	}
	if err := s.createWatches(ctx, receiver); err != nil {
		return err
	}

	if err := s.acquireLock(ctx); err != nil {
		return err
	}

	source, err := s.newSource(s.dbConn, fetcher)
	if err != nil {
		return err
	}
	if err := source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s source: %w", s.config.Source.Type, err)
	}
	s.source = source
	return nil
}

// connect opens the database and builds the backend and the dispatcher over it
func (s *Ingester) connect(ctx context.Context) (*backend.SQLBackend, error) {
	cfg := s.config
	conn, err := db.Connect(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	s.dbConn = conn

	dialect, err := db.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	fetcher := backend.New(conn, dialect, backend.WithLogger(s.logger.Named("backend")))

	opts := []livedata.Option{
		livedata.WithLogger(s.logger.Named("dispatcher")),
		livedata.WithRegisterer(s.registry),
	}
	if cfg.Dispatcher != nil {
		timeout, err := cfg.Dispatcher.GetFetchTimeout()
		if err != nil {
			return nil, err
		}
		opts = append(opts, livedata.WithFetchTimeout(timeout))
	}
	s.dispatcher = livedata.NewDispatcher(fetcher, opts...)
	fetcher.SetKeyResolver(s.dispatcher)
	return fetcher, nil
}

// wait blocks until shutdown is requested or a long-running component stops on its own
func (s *Ingester) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		s.logger.Info("Context cancelled, shutting down ingester")
		return nil
	case <-s.dispatcher.Dead():
		return fmt.Errorf("dispatcher stopped: %w", s.dispatcher.Err())
	case <-s.source.Dead():
		return errors.New("source stopped")
	}
}

func (s *Ingester) stop() error {
	var errs []error
	if s.source != nil {
		if err := s.source.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop source: %w", err))
		}
	}
	for _, w := range s.watches {
		w.Close()
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop dispatcher: %w", err))
		}
	}
	if s.closeSink != nil {
		s.closeSink()
	}
	if s.locker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.locker.ReleaseLock(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if s.dbConn != nil {
		if err := s.dbConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close DB: %w", err))
		}
	}
	s.logger.Info("Ingester stopped")
	return errors.Join(errs...)
}

func (s *Ingester) newSink() (livedata.Receiver, error) {
	switch s.config.SinkType() {
	case "nats":
		logger := s.logger.Named("nats-sink")
		conn, err := sink.Connect(s.config.Sink.URL, logger)
		if err != nil {
			return nil, err
		}
		s.closeSink = func() {
			if err := conn.Drain(); err != nil {
				logger.Warn("Failed to drain NATS connection", "error", err)
			}
		}
		return sink.NewNATS(conn, s.config.Sink.SubjectPrefix,
			sink.WithNATSLogger(logger), sink.WithNATSRegisterer(s.registry)), nil
	default:
		return sink.NewLog(s.logger.Named("sink")), nil
	}
}

// createWatches subscribes every configured watch and its joins. A watch without a key column
// filters on the table's primary key.
func (s *Ingester) createWatches(ctx context.Context, receiver livedata.Receiver) error {
	for _, w := range s.config.Watches {
		keyColumn := w.KeyColumn
		if keyColumn == "" {
			pk, err := s.dispatcher.PrimaryKey(ctx, w.Schema, w.Table)
			if err != nil {
				return fmt.Errorf("failed to create watch %q: %w", w.Name, err)
			}
			keyColumn = pk
		}

		view := livedata.NewJoinView(s.dispatcher, w.Schema, w.Table, keyColumn, w.Keys, receiver)
		addJoins(view, w.Joins)
		s.watches = append(s.watches, view)
		s.logger.Info("Watch created", "watch", w.Name, "table", w.Schema+"."+w.Table, "key_column", keyColumn, "keys", len(w.Keys))
	}
	return nil
}

func addJoins(parent *livedata.JoinView, joins []config.JoinConfig) {
	for _, j := range joins {
		addJoins(parent.Join(j.Schema, j.Table, j.JoinedOn), j.Joins)
	}
}

// acquireLock waits as a standby until this process holds the capture lock
func (s *Ingester) acquireLock(ctx context.Context) error {
	cfg := s.config
	var (
		connectionString, containerName string
		ttl                             time.Duration
	)
	if cfg.Lock != nil {
		connectionString, containerName = cfg.Lock.ConnectionString, cfg.Lock.ContainerName
		ttl, _ = cfg.Lock.GetTTL()
	}

	factory := locking.NewLockerFactory(cfg.LockType(), connectionString, containerName, ttl, cfg.Database.Driver, cfg.Database.DSN)
	lockName := factory.GetLockName(cfg.Source.Type)
	locker, err := factory.CreateLocker(lockName)
	if err != nil {
		return fmt.Errorf("failed to create locker: %w", err)
	}

	backoff := utils.NewBackoffManager(5*time.Second, time.Minute)
	for {
		leaseID, err := locker.AcquireLock(ctx)
		if err == nil {
			s.logger.Debug("Acquired lease", "lock", lockName, "lease_id", leaseID)
			break
		}
		if !errors.Is(err, locking.ErrLockHeld) {
			return err
		}
		s.logger.Info("Capture lock is held elsewhere, waiting", "lock", lockName, "retry_in", backoff.GetInterval().String())
		if err := backoff.Wait(ctx); err != nil {
			return err
		}
	}

	locker.StartLockRenewal(ctx)
	s.locker = locker
	return nil
}

func (s *Ingester) newSource(conn *sql.DB, fetcher cdc.Fetcher) (Source, error) {
	cfg := s.config.Source
	switch cfg.Type {
	case "mysql":
		assembler := cdc.NewAssembler(s.dispatcher, fetcher,
			cdc.WithAssemblerLogger(s.logger.Named("assembler")),
			cdc.WithAssemblerRegisterer(s.registry))
		dsn := cfg.DSN
		if dsn == "" {
			dsn = s.config.Database.DSN
		}
		return mysql.NewSource(conn, assembler, mysql.Config{
			DSN:      dsn,
			ServerID: uint32(cfg.ServerID),
			Flavor:   cfg.Flavor,
		}, s.logger.Named("mysql-source")), nil

	case "sqlserver":
		poll, err := cfg.GetPollInterval()
		if err != nil {
			return nil, err
		}
		maxPoll, err := cfg.GetMaxPollInterval()
		if err != nil {
			return nil, err
		}
		return sqlserver.NewSource(conn, s.dispatcher, sqlserver.Config{
			PollInterval:    poll,
			MaxPollInterval: maxPoll,
			MaxBatchBytes:   cfg.MaxBatchBytes,
		}, s.logger.Named("sqlserver-source")), nil

	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Type)
	}
}

func (s *Ingester) serveMetrics(ctx context.Context, g *errgroup.Group, listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		s.logger.Info("Serving metrics", "listen", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}
