package sink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/katasec/dstream-livedata/internal/logging"
	"github.com/katasec/dstream-livedata/pkg/livedata"
)

// DefaultSubjectPrefix is used when no subject prefix is configured
const DefaultSubjectPrefix = "livedata"

// Publisher is the part of *nats.Conn the sink uses
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes every record it accepts as JSON on <prefix>.<schema>.<table>
type NATS struct {
	pub    Publisher
	prefix string
	logger hclog.Logger

	published *prometheus.CounterVec
	failed    prometheus.Counter
}

// NATSOption configures a NATS sink
type NATSOption func(*NATS)

// WithNATSLogger sets the sink logger
func WithNATSLogger(logger hclog.Logger) NATSOption {
	return func(n *NATS) {
		n.logger = logger
	}
}

// WithNATSRegisterer registers the sink's counters with reg
func WithNATSRegisterer(reg prometheus.Registerer) NATSOption {
	return func(n *NATS) {
		for _, c := range []prometheus.Collector{n.published, n.failed} {
			if err := reg.Register(c); err != nil {
				n.logger.Warn("Failed to register sink metric", "error", err)
			}
		}
	}
}

// NewNATS creates a sink publishing through pub
func NewNATS(pub Publisher, prefix string, opts ...NATSOption) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	n := &NATS{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logging.GetLogger().Named("nats-sink"),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livedata_sink_published_total",
			Help: "Records published to NATS by action.",
		}, []string{"action"}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livedata_sink_publish_errors_total",
			Help: "Records that could not be published to NATS.",
		}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subject returns the subject records of schema.table are published on
func (n *NATS) Subject(schema, table string) string {
	return n.prefix + "." + subjectToken(schema) + "." + subjectToken(table)
}

// Accept publishes record. Failures are logged and counted.
func (n *NATS) Accept(record *livedata.ChangeRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		n.failed.Inc()
		n.logger.Error("Failed to encode record", "table", record.Schema+"."+record.Table, "error", err)
		return
	}

	subject := n.Subject(record.Schema, record.Table)
	if err := n.pub.Publish(subject, data); err != nil {
		n.failed.Inc()
		n.logger.Error("Failed to publish record", "subject", subject, "error", err)
		return
	}
	n.published.WithLabelValues(record.Action.String()).Inc()
	n.logger.Trace("Record published", "subject", subject, "action", record.Action.String(), "rows", len(record.Rows))
}

// subjectToken makes s usable as one subject token
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, strings.ToLower(s))
}

// Connect dials NATS with reconnect handling that logs through logger
func Connect(url string, logger hclog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("dstream-livedata"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}
