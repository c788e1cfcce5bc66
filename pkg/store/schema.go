package store

// certificate_history is append-only by construction: rows are only ever
// inserted. The ledger's write-once triggers live in pkg/ledger; business
// tables stay mutable because their transitions are themselves ledgered.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS applications (
	id TEXT PRIMARY KEY,
	organization TEXT NOT NULL,
	system_name TEXT NOT NULL,
	odd_spec TEXT NOT NULL DEFAULT '',
	envelope_json TEXT NOT NULL DEFAULT '',
	envelope_version TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trials (
	id TEXT PRIMARY KEY,
	application_id TEXT NOT NULL REFERENCES applications(id),
	state TEXT NOT NULL,
	started_at TEXT NOT NULL DEFAULT '',
	ended_at TEXT,
	total_samples INTEGER NOT NULL DEFAULT 0,
	conformant_samples INTEGER NOT NULL DEFAULT 0,
	boundary_activations INTEGER NOT NULL DEFAULT 0,
	convergence_score REAL NOT NULL DEFAULT 0,
	drift_rate REAL NOT NULL DEFAULT 0,
	stability_index REAL NOT NULL DEFAULT 0,
	verdict TEXT NOT NULL DEFAULT 'UNSET',
	evidence_hash TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS certificates (
	id TEXT PRIMARY KEY,
	number TEXT NOT NULL UNIQUE,
	application_id TEXT NOT NULL UNIQUE REFERENCES applications(id),
	trial_id TEXT NOT NULL,
	organization TEXT NOT NULL,
	system_name TEXT NOT NULL,
	envelope_json TEXT NOT NULL,
	convergence_score REAL NOT NULL,
	evidence_hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	state TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS certificate_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	certificate_id TEXT NOT NULL REFERENCES certificates(id),
	action TEXT NOT NULL,
	ts TEXT NOT NULL,
	actor TEXT NOT NULL,
	trigger_reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS certificate_counters (
	year INTEGER PRIMARY KEY,
	last_ordinal INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS telemetry_sessions (
	id TEXT PRIMARY KEY,
	application_id TEXT NOT NULL REFERENCES applications(id),
	grade TEXT NOT NULL DEFAULT 'trial',
	certificate_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS applications (
	id TEXT PRIMARY KEY,
	organization TEXT NOT NULL,
	system_name TEXT NOT NULL,
	odd_spec TEXT NOT NULL DEFAULT '',
	envelope_json TEXT NOT NULL DEFAULT '',
	envelope_version TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trials (
	id TEXT PRIMARY KEY,
	application_id TEXT NOT NULL REFERENCES applications(id),
	state TEXT NOT NULL,
	started_at TEXT NOT NULL DEFAULT '',
	ended_at TEXT,
	total_samples BIGINT NOT NULL DEFAULT 0,
	conformant_samples BIGINT NOT NULL DEFAULT 0,
	boundary_activations BIGINT NOT NULL DEFAULT 0,
	convergence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	drift_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	stability_index DOUBLE PRECISION NOT NULL DEFAULT 0,
	verdict TEXT NOT NULL DEFAULT 'UNSET',
	evidence_hash TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS certificates (
	id TEXT PRIMARY KEY,
	number TEXT NOT NULL UNIQUE,
	application_id TEXT NOT NULL UNIQUE REFERENCES applications(id),
	trial_id TEXT NOT NULL,
	organization TEXT NOT NULL,
	system_name TEXT NOT NULL,
	envelope_json TEXT NOT NULL,
	convergence_score DOUBLE PRECISION NOT NULL,
	evidence_hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	state TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS certificate_history (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	certificate_id TEXT NOT NULL REFERENCES certificates(id),
	action TEXT NOT NULL,
	ts TEXT NOT NULL,
	actor TEXT NOT NULL,
	trigger_reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS certificate_counters (
	year INTEGER PRIMARY KEY,
	last_ordinal BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS telemetry_sessions (
	id TEXT PRIMARY KEY,
	application_id TEXT NOT NULL REFERENCES applications(id),
	grade TEXT NOT NULL DEFAULT 'trial',
	certificate_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
