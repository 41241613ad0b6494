// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// CaseGateway is the read side of the case data store.
// Transactions, parties and case membership are owned by other services.
type CaseGateway interface {
	// TransactionsForCase returns every transaction in which at least one
	// case member is the ordering, beneficiary or executing party.
	TransactionsForCase(ctx context.Context, caseID string) ([]*Transaction, error)

	// CaseMembers returns the parties linked to a case.
	CaseMembers(ctx context.Context, caseID string) ([]*CaseMember, error)

	// PartyDocument returns the document identifier of a party.
	PartyDocument(ctx context.Context, partyID string) (string, error)

	// Parties returns the parties with the given ids, keyed by id.
	// Unknown ids are absent from the result.
	Parties(ctx context.Context, ids []string) (map[string]*Party, error)

	// TransactionsByParty returns transactions on any side of which the
	// party appears, operated on or after since.
	TransactionsByParty(ctx context.Context, partyID string, since time.Time) ([]*Transaction, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	CaseGateway

	// Case data writes, used by seeding and tests.
	SaveParty(ctx context.Context, p *Party) error
	SaveTransaction(ctx context.Context, tx *Transaction) error
	AddCaseMember(ctx context.Context, m *CaseMember) error

	// Typology catalog
	SaveTypology(ctx context.Context, t *Typology) error
	GetTypology(ctx context.Context, code string) (*Typology, error)
	ListTypologies(ctx context.Context) ([]*Typology, error)
	ActiveTypologies(ctx context.Context) ([]*Typology, error)

	// Detections (append-only, one insert per row)
	SaveDetection(ctx context.Context, d *Detection) error
	GetDetection(ctx context.Context, id string) (*Detection, error)
	ListDetections(ctx context.Context, caseID string) ([]*DetectionView, error)
	UpdateDetectionState(ctx context.Context, id string, state DetectionState, notes string) (*Detection, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" mapstructure:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" mapstructure:"postgres_port"`
	PostgresUser     string `json:"postgresUser" mapstructure:"postgres_user"`
	PostgresPassword string `json:"-" mapstructure:"postgres_password"`
	PostgresDB       string `json:"postgresDb" mapstructure:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" mapstructure:"conn_max_lifetime"`
}
