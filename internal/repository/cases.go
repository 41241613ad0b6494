package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const transactionColumns = `
	t.id, t.ordering_party_id, t.beneficiary_party_id, t.executing_party_id,
	t.ordering_account, t.beneficiary_account, t.amount,
	t.operation_date, t.operation_time, t.channel, t.operation_type, t.created_at`

// SaveParty inserts or updates a party.
func (r *SQLRepository) SaveParty(ctx context.Context, p *domain.Party) error {
	if p.ID == "" || p.Document == "" {
		return fmt.Errorf("%w: party id and document are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO parties (id, document, kind, name, occupation, total_operations, total_amount)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document = excluded.document,
			kind = excluded.kind,
			name = excluded.name,
			occupation = excluded.occupation,
			total_operations = excluded.total_operations,
			total_amount = excluded.total_amount
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, p.Document, string(p.Kind), p.Name, p.Occupation,
		p.TotalOperations, p.TotalAmount.String(),
	)
	return err
}

// AddCaseMember links a party to a case.
func (r *SQLRepository) AddCaseMember(ctx context.Context, m *domain.CaseMember) error {
	if m.CaseID == "" || m.PartyID == "" {
		return fmt.Errorf("%w: caseID and partyID are required", ErrInvalidInput)
	}
	if m.Role == "" {
		m.Role = domain.RoleInvestigated
	}
	if m.AddedAt.IsZero() {
		m.AddedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO case_members (case_id, party_id, role, reason, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(case_id, party_id) DO UPDATE SET
			role = excluded.role,
			reason = excluded.reason
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		m.CaseID, m.PartyID, string(m.Role), m.Reason, m.AddedAt,
	)
	return err
}

// SaveTransaction stores a transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" || tx.OrderingPartyID == "" || tx.BeneficiaryPartyID == "" {
		return fmt.Errorf("%w: transaction id and both parties are required", ErrInvalidInput)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transactions (
			id, ordering_party_id, beneficiary_party_id, executing_party_id,
			ordering_account, beneficiary_account, amount,
			operation_date, operation_time, channel, operation_type, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.OrderingPartyID, tx.BeneficiaryPartyID, tx.ExecutingPartyID,
		tx.OrderingAccount, tx.BeneficiaryAccount, tx.Amount.String(),
		tx.OperationDate.UTC(), tx.OperationTime, tx.Channel, tx.OperationType,
		tx.CreatedAt,
	)
	return err
}

// TransactionsForCase returns the transactions in scope for a case: those
// where a member is the ordering, beneficiary or executing party.
func (r *SQLRepository) TransactionsForCase(ctx context.Context, caseID string) ([]*domain.Transaction, error) {
	if caseID == "" {
		return nil, fmt.Errorf("%w: caseID is required", ErrInvalidInput)
	}

	query := `
		SELECT` + transactionColumns + `
		FROM transactions t
		WHERE t.ordering_party_id IN (SELECT party_id FROM case_members WHERE case_id = ?)
		   OR t.beneficiary_party_id IN (SELECT party_id FROM case_members WHERE case_id = ?)
		   OR t.executing_party_id IN (SELECT party_id FROM case_members WHERE case_id = ?)
		ORDER BY t.operation_date, t.operation_time, t.id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID, caseID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// TransactionsByParty retrieves transactions on any side of which the party appears.
func (r *SQLRepository) TransactionsByParty(ctx context.Context, partyID string, since time.Time) ([]*domain.Transaction, error) {
	if partyID == "" {
		return nil, fmt.Errorf("%w: partyID is required", ErrInvalidInput)
	}

	query := `
		SELECT` + transactionColumns + `
		FROM transactions t
		WHERE (t.ordering_party_id = ? OR t.beneficiary_party_id = ? OR t.executing_party_id = ?)
		  AND t.operation_date >= ?
		ORDER BY t.operation_date, t.operation_time, t.id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), partyID, partyID, partyID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// scanTransactions decodes every row. A row whose amount or dates cannot be
// decoded is returned marked Malformed so the batch is never aborted and the
// caller can count it.
func scanTransactions(rows *sql.Rows) ([]*domain.Transaction, error) {
	var transactions []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var amount sql.NullString
		var operationDate, createdAt any

		if err := rows.Scan(
			&tx.ID, &tx.OrderingPartyID, &tx.BeneficiaryPartyID, &tx.ExecutingPartyID,
			&tx.OrderingAccount, &tx.BeneficiaryAccount, &amount,
			&operationDate, &tx.OperationTime, &tx.Channel, &tx.OperationType,
			&createdAt,
		); err != nil {
			return nil, err
		}
		if err := decodeTransaction(&tx, amount, operationDate, createdAt); err != nil {
			slog.Debug("skipping malformed transaction", "transaction_id", tx.ID, "error", err)
			tx = domain.Transaction{
				ID:                 tx.ID,
				OrderingPartyID:    tx.OrderingPartyID,
				BeneficiaryPartyID: tx.BeneficiaryPartyID,
				ExecutingPartyID:   tx.ExecutingPartyID,
				Malformed:          true,
			}
		}
		transactions = append(transactions, &tx)
	}
	return transactions, rows.Err()
}

func decodeTransaction(tx *domain.Transaction, amount sql.NullString, operationDate, createdAt any) error {
	if !amount.Valid {
		return errors.New("missing amount")
	}
	if err := tx.Amount.Scan(amount.String); err != nil {
		return fmt.Errorf("bad amount %q: %w", amount.String, err)
	}
	var err error
	if tx.OperationDate, err = toTime(operationDate); err != nil {
		return fmt.Errorf("bad operation date: %w", err)
	}
	if createdAt != nil {
		if tx.CreatedAt, err = toTime(createdAt); err != nil {
			return fmt.Errorf("bad created_at: %w", err)
		}
	}
	return nil
}

// timeLayouts are the text forms a timestamp column may hold when the
// driver hands it back as a string.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func toTime(v any) (time.Time, error) {
	var text string
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		text = t
	case []byte:
		text = string(t)
	case nil:
		return time.Time{}, errors.New("missing value")
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable %q", text)
}

// CaseMembers returns the parties linked to a case.
func (r *SQLRepository) CaseMembers(ctx context.Context, caseID string) ([]*domain.CaseMember, error) {
	if caseID == "" {
		return nil, fmt.Errorf("%w: caseID is required", ErrInvalidInput)
	}

	query := `
		SELECT case_id, party_id, role, reason, added_at
		FROM case_members
		WHERE case_id = ?
		ORDER BY added_at, party_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*domain.CaseMember
	for rows.Next() {
		var m domain.CaseMember
		var role string
		if err := rows.Scan(&m.CaseID, &m.PartyID, &role, &m.Reason, &m.AddedAt); err != nil {
			return nil, err
		}
		m.Role = domain.MemberRole(role)
		members = append(members, &m)
	}
	return members, rows.Err()
}

// PartyDocument returns the document identifier of a party.
func (r *SQLRepository) PartyDocument(ctx context.Context, partyID string) (string, error) {
	var document string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT document FROM parties WHERE id = ?`), partyID).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return document, err
}

// Parties returns the parties with the given ids, keyed by id.
func (r *SQLRepository) Parties(ctx context.Context, ids []string) (map[string]*domain.Party, error) {
	parties := make(map[string]*domain.Party, len(ids))
	if len(ids) == 0 {
		return parties, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := `
		SELECT id, document, kind, name, occupation, total_operations, total_amount
		FROM parties
		WHERE id IN (` + placeholders(len(ids)) + `)
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Party
		var kind, total string
		if err := rows.Scan(&p.ID, &p.Document, &kind, &p.Name, &p.Occupation, &p.TotalOperations, &total); err != nil {
			return nil, err
		}
		p.Kind = domain.PartyKind(kind)
		if p.TotalAmount, err = decimal.NewFromString(total); err != nil {
			slog.Debug("unreadable party total amount", "party_id", p.ID, "total_amount", total)
			p.TotalAmount = decimal.Zero
		}
		parties[p.ID] = &p
	}
	return parties, rows.Err()
}
