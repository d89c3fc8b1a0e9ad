package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS proxies (
	id TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	scheme TEXT NOT NULL,
	country_code TEXT,
	region TEXT,
	source_tag TEXT,
	first_seen INTEGER,
	last_seen INTEGER,
	status TEXT,
	anonymity TEXT,
	requests_started INTEGER,
	requests_completed INTEGER,
	successes INTEGER,
	failures INTEGER,
	ema_latency_ms REAL,
	has_ema INTEGER,
	weight REAL,
	encrypted_credential BLOB
);
CREATE TABLE IF NOT EXISTS snapshot_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	taken_at_unix INTEGER NOT NULL
);
`

// SQLiteStore persists to a modernc.org/sqlite (cgo-free) database. A
// Save replaces the whole proxies table inside one transaction, matching
// the spec's "a snapshot is the whole pool state at a point in time"
// model rather than incremental upserts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the database at dsn and
// ensures its schema exists.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM proxies`); err != nil {
		return fmt.Errorf("store: clear proxies: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO proxies (
		id, host, port, scheme, country_code, region, source_tag,
		first_seen, last_seen, status, anonymity,
		requests_started, requests_completed, successes, failures,
		ema_latency_ms, has_ema, weight, encrypted_credential
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range snap.Proxies {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Host, r.Port, r.Scheme, r.CountryCode, r.Region, r.SourceTag,
			r.FirstSeen, r.LastSeen, r.Status, r.Anonymity,
			r.RequestsStarted, r.RequestsCompleted, r.Successes, r.Failures,
			r.EMALatencyMS, boolToInt(r.HasEMA), r.Weight, r.EncryptedCredential,
		); err != nil {
			return fmt.Errorf("store: insert proxy %s: %w", r.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (id, taken_at_unix) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET taken_at_unix = excluded.taken_at_unix`,
		snap.TakenAtUnix,
	); err != nil {
		return fmt.Errorf("store: upsert snapshot meta: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	var takenAt int64
	err := s.db.QueryRowContext(ctx, `SELECT taken_at_unix FROM snapshot_meta WHERE id = 1`).Scan(&takenAt)
	if err != nil && err != sql.ErrNoRows {
		return Snapshot{}, fmt.Errorf("store: read snapshot meta: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT
		id, host, port, scheme, country_code, region, source_tag,
		first_seen, last_seen, status, anonymity,
		requests_started, requests_completed, successes, failures,
		ema_latency_ms, has_ema, weight, encrypted_credential
	FROM proxies`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: query proxies: %w", err)
	}
	defer rows.Close()

	var records []ProxyRecord
	for rows.Next() {
		var r ProxyRecord
		var hasEMA int
		if err := rows.Scan(
			&r.ID, &r.Host, &r.Port, &r.Scheme, &r.CountryCode, &r.Region, &r.SourceTag,
			&r.FirstSeen, &r.LastSeen, &r.Status, &r.Anonymity,
			&r.RequestsStarted, &r.RequestsCompleted, &r.Successes, &r.Failures,
			&r.EMALatencyMS, &hasEMA, &r.Weight, &r.EncryptedCredential,
		); err != nil {
			return Snapshot{}, fmt.Errorf("store: scan proxy row: %w", err)
		}
		r.HasEMA = hasEMA != 0
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("store: iterate proxy rows: %w", err)
	}

	return Snapshot{TakenAtUnix: takenAt, Proxies: records}, nil
}

func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]ProxyRecord, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return filterRecords(snap.Proxies, filter), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
