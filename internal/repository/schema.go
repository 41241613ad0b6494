package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// Parties, memberships and transactions belong to the case management
// side; Kestrel reads them. The tables exist here so the community tier
// can run standalone.
const schemaParties = `
CREATE TABLE IF NOT EXISTS parties (
    id TEXT PRIMARY KEY,
    document TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    occupation TEXT NOT NULL DEFAULT '',
    total_operations INTEGER NOT NULL DEFAULT 0,
    total_amount TEXT NOT NULL DEFAULT '0'
);

CREATE INDEX IF NOT EXISTS idx_parties_document ON parties(document);
`

const schemaCaseMembers = `
CREATE TABLE IF NOT EXISTS case_members (
    case_id TEXT NOT NULL,
    party_id TEXT NOT NULL,
    role TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    added_at TIMESTAMP NOT NULL,
    PRIMARY KEY (case_id, party_id)
);

CREATE INDEX IF NOT EXISTS idx_case_members_party ON case_members(party_id);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    ordering_party_id TEXT NOT NULL,
    beneficiary_party_id TEXT NOT NULL,
    executing_party_id TEXT NOT NULL DEFAULT '',
    ordering_account TEXT NOT NULL DEFAULT '',
    beneficiary_account TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL,
    operation_date TIMESTAMP NOT NULL,
    operation_time TEXT NOT NULL DEFAULT '',
    channel TEXT NOT NULL DEFAULT '',
    operation_type TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_ordering ON transactions(ordering_party_id);
CREATE INDEX IF NOT EXISTS idx_transactions_beneficiary ON transactions(beneficiary_party_id);
CREATE INDEX IF NOT EXISTS idx_transactions_executing ON transactions(executing_party_id);
CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(operation_date);
`

// schemaTypologies defines the typology catalog.
const schemaTypologies = `
CREATE TABLE IF NOT EXISTS typologies (
    id TEXT PRIMARY KEY,
    code TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    risk_weight INTEGER NOT NULL,
    parameters TEXT NOT NULL,
    gate TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_typologies_active ON typologies(active, risk_weight);
`

// schemaDetections defines the append-only detection log.
const schemaDetections = `
CREATE TABLE IF NOT EXISTS detections (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    typology_id TEXT NOT NULL,
    typology_code TEXT NOT NULL,
    party_id TEXT NOT NULL DEFAULT '',
    confidence INTEGER NOT NULL,
    evidence TEXT NOT NULL,
    transaction_ids TEXT NOT NULL,
    state TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detections_case ON detections(case_id);
CREATE INDEX IF NOT EXISTS idx_detections_run ON detections(run_id);
CREATE INDEX IF NOT EXISTS idx_detections_state ON detections(case_id, state);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaParties,
		schemaCaseMembers,
		schemaTransactions,
		schemaTypologies,
		schemaDetections,
	}
}
