// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository on database/sql over SQLite
// or PostgreSQL. Queries are written with ? placeholders and rebound.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and brings its schema up to date.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s schema: %w", cfg.Driver, err)
	}
	return repo, nil
}

// migrate applies every schema statement. Statements are idempotent, so
// reopening an existing database is a no-op.
func (r *SQLRepository) migrate(ctx context.Context) error {
	for i, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("schema step %d: %w", i+1, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind rewrites ? placeholders as $1, $2, ... on PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c != '?' {
			b.WriteRune(c)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.Repository = (*SQLRepository)(nil)
