package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/lib/pq"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLSTATE codes that mean "run the transaction again".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres at %s: %w", cfg.PostgresHost, err)
	}
	return db, nil
}

// postgresDSN renders cfg as a postgres:// URL so credentials with reserved
// characters survive escaping.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host, port, name := cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 5432
	}
	if name == "" {
		name = "kestrel"
	}
	ssl := cfg.PostgresSSLMode
	if ssl == "" {
		ssl = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + name,
		RawQuery: url.Values{"sslmode": {ssl}}.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String()
}

func isPostgresConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return false
}
