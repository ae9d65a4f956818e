package locking

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-livedata/internal/logging"
	"github.com/katasec/dstream-livedata/internal/utils"
)

// LockerFactory creates instances of DistributedLocker based on the configuration
type LockerFactory struct {
	configType       string
	connectionString string
	containerName    string
	ttl              time.Duration
	serverName       string
	logger           hclog.Logger
}

// NewLockerFactory initializes a new LockerFactory. driver and dsn identify the captured database
// and scope lock names to its server.
func NewLockerFactory(configType, connectionString, containerName string, ttl time.Duration, driver, dsn string) *LockerFactory {
	f := &LockerFactory{
		configType:       configType,
		connectionString: connectionString,
		containerName:    containerName,
		ttl:              ttl,
		logger:           logging.GetLogger().Named("locking"),
	}
	if serverName, err := utils.ExtractServerName(driver, dsn); err == nil {
		f.serverName = serverName
	} else {
		f.logger.Warn("Could not derive server name for lock names", "error", err)
	}
	return f
}

// CreateLocker creates a DistributedLocker for the lock named lockName
func (f *LockerFactory) CreateLocker(lockName string) (DistributedLocker, error) {
	switch f.configType {
	case "", "none":
		return NoneLocker{}, nil
	case "azure_blob":
		return NewBlobLocker(f.connectionString, f.containerName, lockName, f.ttl, f.logger)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.configType)
	}
}

// GetLockName returns the lock name for a capture scope, under a folder named after the server
func (f *LockerFactory) GetLockName(scope string) string {
	name := GetBlobLockName(strings.ToLower(scope))
	if f.serverName == "" {
		return name
	}
	return f.serverName + "/" + name
}

// GetBlobLockName returns the blob name of a lock
func GetBlobLockName(scope string) string {
	return scope + ".lock"
}
