package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const detectionColumns = `
	d.id, d.case_id, d.run_id, d.typology_id, d.typology_code, d.party_id, d.confidence,
	d.evidence, d.transaction_ids, d.state, d.notes, d.created_at, d.updated_at`

// SaveDetection appends one detection row. Rows are never overwritten.
func (r *SQLRepository) SaveDetection(ctx context.Context, d *domain.Detection) error {
	if d.ID == "" || d.CaseID == "" || d.TypologyID == "" {
		return fmt.Errorf("%w: detection id, caseID and typologyID are required", ErrInvalidInput)
	}
	if d.Confidence < 0 || d.Confidence > 100 {
		return fmt.Errorf("%w: confidence %d outside 0..100", ErrInvalidInput, d.Confidence)
	}
	if d.State == "" {
		d.State = domain.StateNew
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.UpdatedAt = d.CreatedAt

	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("%w: evidence: %v", ErrInvalidInput, err)
	}
	txIDs, _ := json.Marshal(d.TransactionIDs)

	query := `
		INSERT INTO detections (
			id, case_id, run_id, typology_id, typology_code, party_id, confidence,
			evidence, transaction_ids, state, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		d.ID, d.CaseID, d.RunID, d.TypologyID, d.TypologyCode, d.PartyID, d.Confidence,
		string(evidence), string(txIDs), string(d.State), d.Notes, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

// GetDetection retrieves a detection by id.
func (r *SQLRepository) GetDetection(ctx context.Context, id string) (*domain.Detection, error) {
	query := `SELECT` + detectionColumns + ` FROM detections d WHERE d.id = ?`

	d, err := scanDetection(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDetections returns a case's detections joined with the catalog,
// highest risk weight first, then highest confidence.
func (r *SQLRepository) ListDetections(ctx context.Context, caseID string) ([]*domain.DetectionView, error) {
	if caseID == "" {
		return nil, fmt.Errorf("%w: caseID is required", ErrInvalidInput)
	}

	query := `
		SELECT` + detectionColumns + `, t.name, t.category, t.risk_weight
		FROM detections d
		JOIN typologies t ON t.id = d.typology_id
		WHERE d.case_id = ?
		ORDER BY t.risk_weight DESC, d.confidence DESC, d.created_at, d.id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []*domain.DetectionView
	for rows.Next() {
		var v domain.DetectionView
		d, err := scanDetection(rows, &v.TypologyName, &v.Category, &v.RiskWeight)
		if err != nil {
			return nil, err
		}
		v.Detection = *d
		views = append(views, &v)
	}
	return views, rows.Err()
}

// UpdateDetectionState moves a detection along its review lifecycle and
// records the analyst's notes.
func (r *SQLRepository) UpdateDetectionState(ctx context.Context, id string, state domain.DetectionState, notes string) (*domain.Detection, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, state)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, r.rebind(`SELECT state FROM detections WHERE id = ?`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if !domain.DetectionState(current).CanTransition(state) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, state)
	}

	query := `UPDATE detections SET state = ?, notes = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, r.rebind(query), string(state), notes, time.Now().UTC(), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.GetDetection(ctx, id)
}

func scanDetection(row rowScanner, extra ...any) (*domain.Detection, error) {
	var d domain.Detection
	var evidence, txIDs, state string

	dest := []any{
		&d.ID, &d.CaseID, &d.RunID, &d.TypologyID, &d.TypologyCode, &d.PartyID, &d.Confidence,
		&evidence, &txIDs, &state, &d.Notes, &d.CreatedAt, &d.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	d.State = domain.DetectionState(state)
	if err := json.Unmarshal([]byte(evidence), &d.Evidence); err != nil {
		return nil, fmt.Errorf("detection %s: evidence: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(txIDs), &d.TransactionIDs); err != nil {
		return nil, fmt.Errorf("detection %s: transaction ids: %w", d.ID, err)
	}
	return &d, nil
}
