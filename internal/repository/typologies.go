package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const typologyColumns = `
	id, code, name, category, description, risk_weight, parameters, gate, active, created_at, updated_at`

// SaveTypology inserts or updates a catalog entry keyed by code.
// An existing entry keeps its id.
func (r *SQLRepository) SaveTypology(ctx context.Context, t *domain.Typology) error {
	if t.Code == "" || t.Name == "" {
		return fmt.Errorf("%w: typology code and name are required", ErrInvalidInput)
	}
	if t.RiskWeight < 0 || t.RiskWeight > 10 {
		return fmt.Errorf("%w: risk weight %d outside 0..10", ErrInvalidInput, t.RiskWeight)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{}
	}

	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("%w: parameters: %v", ErrInvalidInput, err)
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	query := `
		INSERT INTO typologies (
			id, code, name, category, description, risk_weight, parameters, gate, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			description = excluded.description,
			risk_weight = excluded.risk_weight,
			parameters = excluded.parameters,
			gate = excluded.gate,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	if _, err := r.db.ExecContext(ctx, r.rebind(query),
		t.ID, t.Code, t.Name, t.Category, t.Description, t.RiskWeight,
		string(params), t.Gate, boolToInt(t.Active), t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return err
	}

	return r.db.QueryRowContext(ctx, r.rebind(`SELECT id FROM typologies WHERE code = ?`), t.Code).Scan(&t.ID)
}

// GetTypology retrieves a catalog entry by code.
func (r *SQLRepository) GetTypology(ctx context.Context, code string) (*domain.Typology, error) {
	query := `SELECT` + typologyColumns + ` FROM typologies WHERE code = ?`

	t, err := scanTypology(r.db.QueryRowContext(ctx, r.rebind(query), code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTypologies returns the whole catalog ordered by code.
func (r *SQLRepository) ListTypologies(ctx context.Context) ([]*domain.Typology, error) {
	return r.queryTypologies(ctx, `SELECT`+typologyColumns+` FROM typologies ORDER BY code`)
}

// ActiveTypologies returns active entries, highest risk weight first.
func (r *SQLRepository) ActiveTypologies(ctx context.Context) ([]*domain.Typology, error) {
	return r.queryTypologies(ctx, `SELECT`+typologyColumns+` FROM typologies WHERE active = 1 ORDER BY risk_weight DESC, code`)
}

func (r *SQLRepository) queryTypologies(ctx context.Context, query string) ([]*domain.Typology, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var typologies []*domain.Typology
	for rows.Next() {
		t, err := scanTypology(rows)
		if err != nil {
			return nil, err
		}
		typologies = append(typologies, t)
	}
	return typologies, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTypology(row rowScanner) (*domain.Typology, error) {
	var t domain.Typology
	var params string
	var active int

	if err := row.Scan(
		&t.ID, &t.Code, &t.Name, &t.Category, &t.Description, &t.RiskWeight,
		&params, &t.Gate, &active, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.Active = active == 1
	// A malformed bag is kept as nil so the orchestrator can skip the entry
	// instead of failing the whole catalog.
	if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
		t.Parameters = nil
	}
	return &t, nil
}
