package locking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoneLocker(t *testing.T) {
	f := NewLockerFactory("none", "", "", 0, "mysql", "app:pw@tcp(db01:3306)/test")
	locker, err := f.CreateLocker(f.GetLockName("binlog"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := locker.AcquireLock(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, locker.RenewLock(ctx))
	locker.StartLockRenewal(ctx)
	assert.NoError(t, locker.ReleaseLock(ctx))
}

func TestUnsupportedLockType(t *testing.T) {
	f := NewLockerFactory("zookeeper", "", "", 0, "mysql", "app:pw@tcp(db01:3306)/test")
	_, err := f.CreateLocker("x")
	assert.EqualError(t, err, "unsupported lock type: zookeeper")
}

func TestGetLockName(t *testing.T) {
	f := NewLockerFactory("azure_blob", "", "", 0, "mysql", "app:pw@tcp(DB01.example.com:3306)/test")
	assert.Equal(t, "db01/binlog.lock", f.GetLockName("binlog"))
	assert.Equal(t, "db01/dbo.person.lock", f.GetLockName("dbo.Person"))

	unnamed := NewLockerFactory("azure_blob", "", "", 0, "mysql", "not a dsn")
	assert.Equal(t, "binlog.lock", unnamed.GetLockName("binlog"))
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, minLeaseTTL, clampTTL(0))
	assert.Equal(t, 30*time.Second, clampTTL(30*time.Second))
	assert.Equal(t, maxLeaseTTL, clampTTL(time.Hour))
}
