package main

import "database/sql"

// createTables bootstraps the pipeline schema. Statements are idempotent so
// startup is safe against an already provisioned database.
func createTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rawlogs (
			id BIGSERIAL PRIMARY KEY,
			vin TEXT NOT NULL,
			log_timestamp TIMESTAMPTZ NOT NULL,
			log_message TEXT NOT NULL,
			malformed BOOLEAN NOT NULL DEFAULT FALSE,
			ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rawlogs_vin_ts ON rawlogs (vin, log_timestamp)`,
		`CREATE TABLE IF NOT EXISTS charge_events (
			id BIGSERIAL PRIMARY KEY,
			vin TEXT NOT NULL,
			event_timestamp TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			charged_range INTEGER,
			mileage INTEGER,
			pos_lat DOUBLE PRECISION,
			pos_lon DOUBLE PRECISION,
			soc INTEGER,
			synthesized BOOLEAN NOT NULL DEFAULT FALSE,
			charge_id TEXT,
			UNIQUE (vin, event_timestamp, event_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_charge_events_unlinked ON charge_events (vin, event_timestamp) WHERE charge_id IS NULL`,
		`CREATE TABLE IF NOT EXISTS charge_hours (
			id TEXT PRIMARY KEY,
			vin TEXT NOT NULL,
			log_timestamp TIMESTAMPTZ NOT NULL,
			amount DOUBLE PRECISION,
			position TEXT,
			soc INTEGER,
			price DOUBLE PRECISION,
			charged_range INTEGER,
			mileage INTEGER,
			start_at TIMESTAMPTZ NOT NULL,
			stop_at TIMESTAMPTZ,
			suspect BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_charge_hours_vin_start ON charge_hours (vin, start_at)`,
		`CREATE TABLE IF NOT EXISTS stream_offsets (
			component TEXT NOT NULL,
			vin TEXT NOT NULL,
			position TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (component, vin)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
