package dedup

import (
	"context"
	"fmt"
)

// Driver names a Store backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverRedis    Driver = "redis"
	DriverMemory   Driver = "memory"
)

// Options selects and configures a backend.
//
//   - sqlite:   DSN is a file path (default "kitwatch.db")
//   - postgres: DSN is a lib/pq connection string (required)
//   - redis:    DSN is host:port (default "localhost:6379"); Password, DB and KeyPrefix apply
//   - memory:   no options
type Options struct {
	Driver    Driver
	DSN       string
	Password  string
	DB        int
	KeyPrefix string
}

// Open returns the Store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		path := opts.DSN
		if path == "" {
			path = "kitwatch.db"
		}
		return OpenSQLite(ctx, path)
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("dedup: postgres requires a dsn")
		}
		return OpenPostgres(ctx, opts.DSN)
	case DriverRedis:
		addr := opts.DSN
		if addr == "" {
			addr = "localhost:6379"
		}
		prefix := opts.KeyPrefix
		if prefix == "" {
			prefix = "kitwatch:seen:"
		}
		return OpenRedis(ctx, addr, opts.Password, opts.DB, prefix)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("dedup: unsupported driver %q", opts.Driver)
	}
}
