package locking

import (
	"context"
	"errors"
)

// ErrLockHeld is returned by AcquireLock when another process holds a live lease
var ErrLockHeld = errors.New("lock is held by another process")

// DistributedLocker guards the capture of one source so only one process delivers its changes
type DistributedLocker interface {
	// AcquireLock takes the lock and returns its lease ID, or ErrLockHeld
	AcquireLock(ctx context.Context) (string, error)

	// RenewLock extends the lease
	RenewLock(ctx context.Context) error

	// ReleaseLock gives the lease up
	ReleaseLock(ctx context.Context) error

	// StartLockRenewal renews the lease in the background until ctx ends
	StartLockRenewal(ctx context.Context)
}

// NoneLocker is used when a single process captures the source
type NoneLocker struct{}

// AcquireLock always succeeds
func (NoneLocker) AcquireLock(context.Context) (string, error) { return "none", nil }

// RenewLock does nothing
func (NoneLocker) RenewLock(context.Context) error { return nil }

// ReleaseLock does nothing
func (NoneLocker) ReleaseLock(context.Context) error { return nil }

// StartLockRenewal does nothing
func (NoneLocker) StartLockRenewal(context.Context) {}
