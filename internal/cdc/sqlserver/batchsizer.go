package sqlserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	defaultSampleSize       = 100
	defaultBufferFactor     = 0.2 // 20% safety margin
	defaultResampleInterval = 1 * time.Hour
	defaultBatchSize        = 100
	minBatchSize            = 50
	maxBatchSize            = 1000

	// DefaultMaxBatchBytes keeps one poll's change batch well under the NATS default max payload
	DefaultMaxBatchBytes = 256 * 1024
)

// BatchSizer picks how many change rows one poll reads, from the average encoded size of recent
// rows in the change table
type BatchSizer struct {
	batchSize        atomic.Int32
	db               *sql.DB
	changeTable      string
	maxBatchBytes    int
	sampleSize       int
	bufferFactor     float64
	resampleInterval time.Duration
	logger           hclog.Logger

	lastSampleTime atomic.Int64
	lastSampleSize atomic.Int32
	lastAvgRowSize atomic.Int32
}

// BatchSizerOption allows customizing the BatchSizer
type BatchSizerOption func(*BatchSizer)

// NewBatchSizer creates a sizer for the qualified change table, e.g. cdc.dbo_person_CT
func NewBatchSizer(db *sql.DB, changeTable string, maxBatchBytes int, logger hclog.Logger, opts ...BatchSizerOption) *BatchSizer {
	bs := &BatchSizer{
		db:               db,
		changeTable:      changeTable,
		maxBatchBytes:    maxBatchBytes,
		sampleSize:       defaultSampleSize,
		bufferFactor:     defaultBufferFactor,
		resampleInterval: defaultResampleInterval,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(bs)
	}
	return bs
}

// WithSampleSize sets the number of records to sample
func WithSampleSize(size int) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.sampleSize = size
	}
}

// WithBufferFactor sets the safety margin factor
func WithBufferFactor(factor float64) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.bufferFactor = factor
	}
}

// WithResampleInterval sets how often to recalculate batch size
func WithResampleInterval(interval time.Duration) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.resampleInterval = interval
	}
}

// Start samples once and then resamples until ctx ends
func (bs *BatchSizer) Start(ctx context.Context) {
	bs.update(ctx)
	go bs.monitor(ctx)
}

// GetBatchSize returns the current batch size, or the default before the first sample
func (bs *BatchSizer) GetBatchSize() int32 {
	if size := bs.batchSize.Load(); size > 0 {
		return size
	}
	return defaultBatchSize
}

func (bs *BatchSizer) store(size int32) {
	bs.batchSize.Store(size)
	bs.logger.Debug("Batch size updated", "table", bs.changeTable, "size", size)
}

// update samples the newest change rows; any failure falls back to the default size
func (bs *BatchSizer) update(ctx context.Context) {
	avg, count, err := bs.sample(ctx)
	if err != nil {
		bs.logger.Info("Failed to sample change table, using default batch size", "table", bs.changeTable, "error", err)
		bs.store(defaultBatchSize)
		return
	}
	if count == 0 {
		bs.store(defaultBatchSize)
		return
	}

	size := computeBatchSize(avg, bs.bufferFactor, bs.maxBatchBytes)
	bs.store(size)
	bs.lastSampleTime.Store(time.Now().Unix())
	bs.lastSampleSize.Store(count)
	bs.lastAvgRowSize.Store(int32(avg))
}

func (bs *BatchSizer) sample(ctx context.Context) (float64, int32, error) {
	query := fmt.Sprintf(`SELECT TOP(%d) * FROM %s ORDER BY __$start_lsn DESC, __$seqval DESC`, bs.sampleSize, bs.changeTable)
	rows, err := bs.db.QueryContext(ctx, query)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return 0, 0, err
	}

	var (
		total int64
		count int32
	)
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return 0, 0, err
		}
		record := make(map[string]interface{}, len(columns))
		for i, c := range columns {
			record[c] = values[i]
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			continue
		}
		total += int64(len(encoded))
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}
	return float64(total) / float64(count), count, nil
}

// computeBatchSize fits rows of avgRowSize bytes plus margin into maxBytes, within [minBatchSize, maxBatchSize]
func computeBatchSize(avgRowSize, bufferFactor float64, maxBytes int) int32 {
	if avgRowSize <= 0 {
		return defaultBatchSize
	}
	rows := int32(float64(maxBytes) / (avgRowSize * (1 + bufferFactor)))
	switch {
	case rows < minBatchSize:
		return minBatchSize
	case rows > maxBatchSize:
		return maxBatchSize
	default:
		return rows
	}
}

func (bs *BatchSizer) monitor(ctx context.Context) {
	ticker := time.NewTicker(bs.resampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bs.update(ctx)
		}
	}
}

// BatchSizerMetrics contains current metrics about the batch sizer
type BatchSizerMetrics struct {
	CurrentBatchSize int32
	LastSampleTime   time.Time
	LastSampleSize   int32
	AvgRowSize       int32
	MaxBatchBytes    int
	BufferFactor     float64
}

// GetMetrics returns current batch sizing metrics
func (bs *BatchSizer) GetMetrics() BatchSizerMetrics {
	return BatchSizerMetrics{
		CurrentBatchSize: bs.GetBatchSize(),
		LastSampleTime:   time.Unix(bs.lastSampleTime.Load(), 0),
		LastSampleSize:   bs.lastSampleSize.Load(),
		AvgRowSize:       bs.lastAvgRowSize.Load(),
		MaxBatchBytes:    bs.maxBatchBytes,
		BufferFactor:     bs.bufferFactor,
	}
}
