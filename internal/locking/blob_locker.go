package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/hashicorp/go-hclog"
)

// Azure accepts finite leases between 15 and 60 seconds
const (
	minLeaseTTL = 15 * time.Second
	maxLeaseTTL = 60 * time.Second
)

// BlobLocker holds a lease on an empty blob named after the lock
type BlobLocker struct {
	containerName string
	lockName      string
	lockTTL       time.Duration
	logger        hclog.Logger

	blobClient      *blockblob.Client
	blobLeaseClient *lease.BlobClient
}

// NewBlobLocker ensures the container and lock blob exist and prepares a lease client for it
func NewBlobLocker(connectionString, containerName, lockName string, ttl time.Duration, logger hclog.Logger) (*BlobLocker, error) {
	ctx := context.Background()

	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blobClient := azblobClient.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(lockName)
	if _, err := blobClient.GetProperties(ctx, nil); err != nil {
		if !bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("failed to check lock blob %s: %w", lockName, err)
		}
		if _, err := blobClient.UploadBuffer(ctx, []byte{}, nil); err != nil {
			return nil, fmt.Errorf("failed to create lock blob %s: %w", lockName, err)
		}
	}

	blobLeaseClient, err := lease.NewBlobClient(blobClient, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName:   containerName,
		lockName:        lockName,
		lockTTL:         clampTTL(ttl),
		logger:          logger.With("lock", lockName),
		blobClient:      blobClient,
		blobLeaseClient: blobLeaseClient,
	}, nil
}

func clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl < minLeaseTTL:
		return minLeaseTTL
	case ttl > maxLeaseTTL:
		return maxLeaseTTL
	default:
		return ttl
	}
}

// AcquireLock takes the lease. A lease left by a crashed process expires after the TTL.
func (bl *BlobLocker) AcquireLock(ctx context.Context) (string, error) {
	bl.logger.Debug("Attempting to acquire lock")

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			return "", fmt.Errorf("failed to acquire lock %s: %w", bl.lockName, ErrLockHeld)
		}
		return "", fmt.Errorf("failed to acquire lock %s: %w", bl.lockName, err)
	}

	bl.logger.Info("Lock acquired", "lease_id", *resp.LeaseID, "ttl", bl.lockTTL.String())
	return *resp.LeaseID, nil
}

// RenewLock extends the lease by another TTL
func (bl *BlobLocker) RenewLock(ctx context.Context) error {
	if _, err := bl.blobLeaseClient.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", bl.lockName, err)
	}
	bl.logger.Trace("Lock renewed")
	return nil
}

// ReleaseLock gives the lease up so another process can take it at once
func (bl *BlobLocker) ReleaseLock(ctx context.Context) error {
	if _, err := bl.blobLeaseClient.ReleaseLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", bl.lockName, err)
	}
	bl.logger.Info("Lock released")
	return nil
}

// StartLockRenewal renews the lease every half TTL until ctx ends
func (bl *BlobLocker) StartLockRenewal(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(bl.lockTTL / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx); err != nil {
					bl.logger.Error("Failed to renew lock", "error", err)
				}
			case <-ctx.Done():
				bl.logger.Debug("Stopping lock renewal")
				return
			}
		}
	}()
}
