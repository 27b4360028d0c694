package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    project TEXT NOT NULL,
    control_file TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    status TEXT NOT NULL,
    reason TEXT
);

CREATE TABLE IF NOT EXISTS steps (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    step INTEGER NOT NULL,
    started_at TEXT NOT NULL,
    target_temp REAL,
    hold_length REAL,
    heat_rate REAL,
    interval_min REAL,
    buffer TEXT,
    fo2_offset REAL,
    gas TEXT,
    PRIMARY KEY (run_id, step, started_at)
);

CREATE TABLE IF NOT EXISTS readings (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    step INTEGER NOT NULL,
    cycle INTEGER NOT NULL,
    time TEXT NOT NULL,
    stage_position REAL,
    target REAL,
    indicated REAL,
    reference REAL,
    thermo_1 REAL,
    thermo_2 REAL,
    voltage REAL,
    gas TEXT,        -- JSON object of mass flows
    log_fugacity REAL,
    ratio REAL,
    fo2_offset REAL,
    impedance TEXT   -- JSON array of {z, theta}
);
CREATE INDEX IF NOT EXISTS idx_readings_run ON readings(run_id, step, cycle);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);
`

// InitSchema creates the tables if they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}
