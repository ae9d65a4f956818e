package sqlserver

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
)

func TestComputeBatchSize(t *testing.T) {
	tests := []struct {
		name   string
		avg    float64
		buffer float64
		max    int
		want   int32
	}{
		{"no sample", 0, 0.2, DefaultMaxBatchBytes, defaultBatchSize},
		{"fits between bounds", 1000, 0.2, 240000, 200},
		{"tiny rows clamp to max", 10, 0.2, DefaultMaxBatchBytes, maxBatchSize},
		{"huge rows clamp to min", 100000, 0.2, DefaultMaxBatchBytes, minBatchSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeBatchSize(tt.avg, tt.buffer, tt.max))
		})
	}
}

func TestBatchSizerDefaults(t *testing.T) {
	bs := NewBatchSizer(nil, "cdc.dbo_person_CT", DefaultMaxBatchBytes, hclog.NewNullLogger(),
		WithSampleSize(10), WithBufferFactor(0.5), WithResampleInterval(time.Minute))

	assert.EqualValues(t, defaultBatchSize, bs.GetBatchSize())

	m := bs.GetMetrics()
	assert.EqualValues(t, defaultBatchSize, m.CurrentBatchSize)
	assert.Equal(t, 0.5, m.BufferFactor)
	assert.Equal(t, DefaultMaxBatchBytes, m.MaxBatchBytes)
	assert.Equal(t, 10, bs.sampleSize)
	assert.Equal(t, time.Minute, bs.resampleInterval)
}
