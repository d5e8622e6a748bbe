package store

// schemaVersion is the target schema version for this build.
const schemaVersion = 1

// schemaV1 is the governance-core schema.
//
// The partial unique index idx_tx_single_open is the load-bearing piece: it
// enforces at most one open transaction per (project, agent) at the storage
// layer, so two processes racing to open converge on one row instead of
// needing a distributed lock.
var schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS transactions (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL,
	agent_id          TEXT NOT NULL,
	domain            TEXT NOT NULL,
	opened_by_session TEXT NOT NULL,
	opened_at         TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'open',
	closed_by_session TEXT,
	close_reason      TEXT,
	closed_at         TEXT,
	updated_at        TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_single_open
	ON transactions(project_id, agent_id) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS transaction_sessions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT NOT NULL REFERENCES transactions(id),
	session_id     TEXT NOT NULL,
	joined_at      TEXT NOT NULL,
	UNIQUE(transaction_id, session_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id                    TEXT PRIMARY KEY,
	agent_id              TEXT NOT NULL,
	started_at            TEXT NOT NULL,
	ended_at              TEXT,
	active_transaction_id TEXT
);

CREATE TABLE IF NOT EXISTS assessments (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT NOT NULL REFERENCES transactions(id),
	phase          TEXT NOT NULL,
	round          INTEGER NOT NULL,
	vector_json    TEXT NOT NULL,
	rationale      TEXT,
	produced_by    TEXT NOT NULL,
	findings_json  TEXT,
	unknowns_json  TEXT,
	decision       TEXT,
	created_at     TEXT NOT NULL,
	UNIQUE(transaction_id, phase, round)
);

CREATE TABLE IF NOT EXISTS calibration_records (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id        TEXT NOT NULL,
	domain          TEXT NOT NULL,
	transaction_id  TEXT NOT NULL,
	track           TEXT NOT NULL,
	predicted_json  TEXT NOT NULL,
	observed_json   TEXT NOT NULL,
	divergence_json TEXT NOT NULL,
	computed_at     TEXT NOT NULL,
	UNIQUE(agent_id, domain, transaction_id, track)
);

CREATE TABLE IF NOT EXISTS suggestions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id       TEXT NOT NULL,
	domain         TEXT NOT NULL,
	transaction_id TEXT,
	accepted       INTEGER NOT NULL,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mistakes (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id       TEXT NOT NULL,
	domain         TEXT NOT NULL,
	transaction_id TEXT,
	severity       TEXT,
	description    TEXT,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trust_scores (
	agent_id     TEXT NOT NULL,
	domain       TEXT NOT NULL,
	score        REAL NOT NULL,
	mode         TEXT NOT NULL,
	factors_json TEXT,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (agent_id, domain)
);

CREATE INDEX IF NOT EXISTS idx_tx_project ON transactions(project_id);
CREATE INDEX IF NOT EXISTS idx_assessments_tx ON assessments(transaction_id);
CREATE INDEX IF NOT EXISTS idx_calibration_agent ON calibration_records(agent_id, domain, track);
CREATE INDEX IF NOT EXISTS idx_suggestions_agent ON suggestions(agent_id, domain);
CREATE INDEX IF NOT EXISTS idx_mistakes_agent ON mistakes(agent_id, domain);
`
