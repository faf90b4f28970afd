package calrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCacheTableName       = "calrelay_cache"
	postgresCacheOperationLimit  = 5 * time.Second
	postgresCacheCleanupInterval = time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCache backs SharedCache with a single Postgres table. It exists for
// deployments that already run Postgres and do not want a Redis instance just
// for the credential lock.
type PostgresCache struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	sweepMu   sync.Mutex
	lastSweep time.Time
}

func NewPostgresCache(dsn string) (*PostgresCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCache{
		dsn:       dsn,
		tableName: postgresCacheTableName,
		openDB:    sql.Open,
	}, nil
}

func (c *PostgresCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := c.ensureReady(); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresCacheOperationLimit)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT cache_value FROM %s WHERE cache_key = $1 AND (expires_at IS NULL OR expires_at > NOW())",
		postgresQuoteIdentifier(c.tableName),
	)
	var value string
	err := c.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *PostgresCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	c.sweepExpired(ctx)
	ctx, cancel := context.WithTimeout(ctx, postgresCacheOperationLimit)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (cache_key, cache_value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (cache_key)
		DO UPDATE SET cache_value = EXCLUDED.cache_value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		postgresQuoteIdentifier(c.tableName))
	_, err := c.db.ExecContext(ctx, query, key, value, expiryArg(ttl))
	return err
}

func (c *PostgresCache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := c.ensureReady(); err != nil {
		return false, err
	}
	c.sweepExpired(ctx)
	ctx, cancel := context.WithTimeout(ctx, postgresCacheOperationLimit)
	defer cancel()

	// The conditional upsert claims the row either when it does not exist or
	// when the previous entry has expired.
	query := fmt.Sprintf(`
		INSERT INTO %s (cache_key, cache_value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (cache_key)
		DO UPDATE SET cache_value = EXCLUDED.cache_value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
		WHERE %s.expires_at IS NOT NULL AND %s.expires_at <= NOW()`,
		postgresQuoteIdentifier(c.tableName),
		postgresQuoteIdentifier(c.tableName),
		postgresQuoteIdentifier(c.tableName))
	result, err := c.db.ExecContext(ctx, query, key, value, expiryArg(ttl))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *PostgresCache) Delete(ctx context.Context, key string) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresCacheOperationLimit)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE cache_key = $1", postgresQuoteIdentifier(c.tableName))
	_, err := c.db.ExecContext(ctx, query, key)
	return err
}

func (c *PostgresCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *PostgresCache) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresCacheOperationLimit)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				cache_key TEXT PRIMARY KEY,
				cache_value TEXT NOT NULL,
				expires_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(c.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

// sweepExpired opportunistically clears dead rows so the table does not grow
// without bound. Rate-limited; failures are ignored since expired rows are
// already invisible to readers.
func (c *PostgresCache) sweepExpired(ctx context.Context) {
	c.sweepMu.Lock()
	if time.Since(c.lastSweep) < postgresCacheCleanupInterval {
		c.sweepMu.Unlock()
		return
	}
	c.lastSweep = time.Now()
	c.sweepMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, postgresCacheOperationLimit)
	defer cancel()
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()",
		postgresQuoteIdentifier(c.tableName),
	)
	_, _ = c.db.ExecContext(ctx, query)
}

func expiryArg(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().UTC().Add(ttl)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
