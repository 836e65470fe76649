// Package repository persists rules, transactions and ledger entries in
// SQLite or PostgreSQL through database/sql.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository is the single store behind the catalog, the transaction
// history and the ledger. The same SQL runs on both drivers; only
// placeholders and lock-contention errors differ.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.Repository = (*SQLRepository)(nil)

// openers maps a configured driver name to its connection routine.
var openers = map[string]func(domain.RepositoryConfig) (*sql.DB, error){
	"sqlite":   openSQLite,
	"postgres": openPostgres,
}

// New connects, sizes the pool and creates any missing tables.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	open, ok := openers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	tunePool(db, cfg)

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s schema: %w", cfg.Driver, err)
	}
	return repo, nil
}

func tunePool(db *sql.DB, cfg domain.RepositoryConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for i, stmt := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema step %d: %w", i+1, err)
		}
	}
	return nil
}

func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// Driver reports "sqlite" or "postgres".
func (r *SQLRepository) Driver() string {
	return r.driver
}

// inTx commits only when fn succeeds. Lock contention from any step comes
// back wrapped in domain.ErrTransient.
func (r *SQLRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.classify(fmt.Errorf("begin: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return r.classify(err)
	}
	if err := tx.Commit(); err != nil {
		return r.classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify tags errors the ledger may retry.
func (r *SQLRepository) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isSQLiteBusy(err), isPostgresConflict(err), strings.Contains(err.Error(), "database is locked"):
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return err
}

// rebind rewrites ? placeholders as $n on PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" || !strings.Contains(query, "?") {
		return query
	}
	parts := strings.Split(query, "?")
	var out strings.Builder
	out.Grow(len(query) + 2*len(parts))
	out.WriteString(parts[0])
	for i, part := range parts[1:] {
		out.WriteByte('$')
		out.WriteString(strconv.Itoa(i + 1))
		out.WriteString(part)
	}
	return out.String()
}
