package utils

import (
	"context"
	"time"
)

// BackoffManager manages exponential backoff for polling and reconnect intervals
type BackoffManager struct {
	currentInterval time.Duration
	maxInterval     time.Duration
	initialInterval time.Duration
}

// NewBackoffManager initializes a new BackoffManager with the given intervals.
// A max below initial is raised to initial.
func NewBackoffManager(initialInterval, maxInterval time.Duration) *BackoffManager {
	if maxInterval < initialInterval {
		maxInterval = initialInterval
	}
	return &BackoffManager{
		currentInterval: initialInterval,
		maxInterval:     maxInterval,
		initialInterval: initialInterval,
	}
}

// GetInterval returns the current interval
func (b *BackoffManager) GetInterval() time.Duration {
	return b.currentInterval
}

// IncreaseInterval doubles the current interval up to maxInterval
func (b *BackoffManager) IncreaseInterval() {
	next := b.currentInterval * 2
	if next > b.maxInterval || next <= 0 {
		next = b.maxInterval
	}
	b.currentInterval = next
}

// ResetInterval resets the interval back to the initial value
func (b *BackoffManager) ResetInterval() {
	b.currentInterval = b.initialInterval
}

// Wait sleeps for the current interval, then increases it. It returns ctx.Err() if ctx ends first.
func (b *BackoffManager) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.currentInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		b.IncreaseInterval()
		return nil
	}
}
