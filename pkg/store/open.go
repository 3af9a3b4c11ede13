package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/audit"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/config"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/governance"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate"
)

// Backends bundles the durable stores selected by configuration.
type Backends struct {
	Policy governance.Store
	Ledger audit.Storage
	Trust  securitygate.TrustStore

	closers []io.Closer
}

// Close releases database and redis handles.
func (b *Backends) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open builds the stores named by cfg.StoreBackend and cfg.TrustBackend.
func Open(ctx context.Context, cfg *config.Config) (*Backends, error) {
	b := &Backends{}
	var db *sql.DB
	var dialect Dialect

	switch cfg.StoreBackend {
	case "", "file":
		if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
			return nil, fmt.Errorf("store: ensure root %s: %w", cfg.RootDir, err)
		}
		b.Policy = NewFilePolicyStore(cfg.PolicyPath())
		b.Ledger = NewFileLedgerStorage(cfg.LedgerPath())
	case "sqlite", "postgres":
		dialect = Dialect(cfg.StoreBackend)
		dsn := cfg.PostgresDSN
		if dialect == DialectSQLite {
			dsn = cfg.SQLitePath
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("store: ensure sqlite dir: %w", err)
			}
		}
		var err error
		db, err = OpenDB(ctx, dialect, dsn)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db)
		if b.Policy, err = NewSQLPolicyStore(ctx, db, dialect); err != nil {
			_ = b.Close()
			return nil, err
		}
		if b.Ledger, err = NewSQLLedgerStorage(ctx, db, dialect); err != nil {
			_ = b.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.StoreBackend)
	}

	switch cfg.TrustBackend {
	case "", "file":
		b.Trust = NewFileTrustStore(cfg.TrustPath())
	case "sql":
		if db == nil {
			_ = b.Close()
			return nil, fmt.Errorf("store: sql trust store requires a sql policy backend")
		}
		ts, err := NewSQLTrustStore(ctx, db, dialect)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Trust = ts
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = b.Close()
			return nil, fmt.Errorf("store: redis ping %s: %w", cfg.RedisAddr, err)
		}
		b.closers = append(b.closers, client)
		b.Trust = NewRedisTrustStore(client, "")
	default:
		_ = b.Close()
		return nil, fmt.Errorf("store: unknown trust backend %q", cfg.TrustBackend)
	}
	return b, nil
}
