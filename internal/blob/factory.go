package blob

import (
	"context"
	"fmt"
	"os"
)

// Config selects and parameterizes the archive driver.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// ConfigFromEnv reads the archive selection from the environment.
//
//	ELOGBOOK_BLOB_DRIVER: fs|s3|memory (default fs)
//	ELOGBOOK_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	(S3 specific variables documented in the infra s3 package)
func ConfigFromEnv() Config {
	return Config{
		Driver: Driver(os.Getenv("ELOGBOOK_BLOB_DRIVER")),
		FSRoot: os.Getenv("ELOGBOOK_BLOB_FS_ROOT"),
		S3:     s3ConfigFromEnv(),
	}
}

// Open constructs the configured Store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// OpenFromEnv is Open(ctx, ConfigFromEnv()).
func OpenFromEnv(ctx context.Context) (Store, error) {
	return Open(ctx, ConfigFromEnv())
}
