package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/CiscoSE/serverless-cmx/internal/model"

	_ "modernc.org/sqlite"
)

// ErrVersionConflict is returned when a conditional customer update loses a race.
var ErrVersionConflict = errors.New("customer record version conflict")

// ErrNotFound is returned when a customer record does not exist.
var ErrNotFound = errors.New("customer record not found")

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			seen_time TEXT NOT NULL,
			seen_epoch TEXT NOT NULL,
			client_mac TEXT NOT NULL,
			ap_mac TEXT NOT NULL,
			associated TEXT NOT NULL,
			ssid TEXT NOT NULL,
			ipv4 TEXT NOT NULL,
			ipv6 TEXT NOT NULL,
			manufacturer TEXT NOT NULL,
			rssi TEXT NOT NULL,
			os TEXT NOT NULL,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_observations_kind_received ON observations(kind, received_at);`,
		`CREATE TABLE IF NOT EXISTS customer_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mac_address TEXT NOT NULL,
			first_name TEXT NOT NULL,
			surname TEXT NOT NULL,
			email TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			loyalty_member INTEGER NOT NULL DEFAULT 0,
			click_and_collect INTEGER NOT NULL DEFAULT 0,
			last_seen_epoch INTEGER NOT NULL DEFAULT 0,
			observing_ap TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_customer_records_mac ON customer_records(mac_address);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// InsertObservation persists one observation record and returns the assigned identifier.
func (s *Store) InsertObservation(ctx context.Context, r model.ObservationRecord) (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO observations (kind, seen_time, seen_epoch, client_mac, ap_mac, associated, ssid, ipv4, ipv6, manufacturer, rssi, os)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		string(r.Kind),
		r.SeenAt,
		r.SeenAtEpoch,
		r.ClientID,
		r.APIdentifier,
		r.Associated,
		r.Network,
		r.IPv4,
		r.IPv6,
		r.Manufacturer,
		r.SignalStrength,
		r.OS,
	)
	if err != nil {
		return "", fmt.Errorf("insert observation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("observation id: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

const observationColumns = `id, kind, seen_time, seen_epoch, client_mac, ap_mac, associated, ssid, ipv4, ipv6, manufacturer, rssi, os, received_at`

// RecentObservations returns the most recent records, newest first. An empty kind matches both kinds.
func (s *Store) RecentObservations(ctx context.Context, kind model.RecordKind, limit int) ([]model.ObservationRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	query := `SELECT ` + observationColumns + ` FROM observations`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent observations: %w", err)
	}
	defer rows.Close()

	return scanObservations(rows, limit)
}

// AllObservations returns every stored record in insertion order.
func (s *Store) AllObservations(ctx context.Context) ([]model.ObservationRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+observationColumns+` FROM observations ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	return scanObservations(rows, 0)
}

func scanObservations(rows *sql.Rows, capacity int) ([]model.ObservationRecord, error) {
	records := make([]model.ObservationRecord, 0, capacity)

	for rows.Next() {
		var (
			id          int64
			kind        string
			r           model.ObservationRecord
			receivedStr string
		)
		if err := rows.Scan(&id, &kind, &r.SeenAt, &r.SeenAtEpoch, &r.ClientID, &r.APIdentifier, &r.Associated,
			&r.Network, &r.IPv4, &r.IPv6, &r.Manufacturer, &r.SignalStrength, &r.OS, &receivedStr); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}

		r.ID = strconv.FormatInt(id, 10)
		r.Kind = model.RecordKind(kind)
		r.ReceivedAt = parseTimestamp(receivedStr)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}

	return records, nil
}

// InsertCustomer adds a reference record and returns it with its assigned identifier.
func (s *Store) InsertCustomer(ctx context.Context, c model.CustomerRecord) (model.CustomerRecord, error) {
	if s.db == nil {
		return model.CustomerRecord{}, fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO customer_records (mac_address, first_name, surname, email, phone_number, loyalty_member, click_and_collect, last_seen_epoch, observing_ap, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0);`,
		c.ClientID,
		c.FirstName,
		c.Surname,
		c.Email,
		c.PhoneNumber,
		boolToInt(c.LoyaltyMember),
		boolToInt(c.ClickAndCollect),
		c.LastSeenEpoch,
		c.ObservingAP,
	)
	if err != nil {
		return model.CustomerRecord{}, fmt.Errorf("insert customer: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.CustomerRecord{}, fmt.Errorf("customer id: %w", err)
	}

	c.ID = strconv.FormatInt(id, 10)
	c.Version = 0
	return c, nil
}

const customerColumns = `id, mac_address, first_name, surname, email, phone_number, loyalty_member, click_and_collect, last_seen_epoch, observing_ap, version`

// FindCustomers returns every record whose device identifier equals clientID, in insertion order.
func (s *Store) FindCustomers(ctx context.Context, clientID string) ([]model.CustomerRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customer_records WHERE mac_address = ? ORDER BY id ASC;`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	return scanCustomers(rows)
}

// ListCustomers returns the whole reference table.
func (s *Store) ListCustomers(ctx context.Context) ([]model.CustomerRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customer_records ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	return scanCustomers(rows)
}

func scanCustomers(rows *sql.Rows) ([]model.CustomerRecord, error) {
	var customers []model.CustomerRecord
	for rows.Next() {
		var (
			id                       int64
			c                        model.CustomerRecord
			loyalty, clickAndCollect int
		)
		if err := rows.Scan(&id, &c.ClientID, &c.FirstName, &c.Surname, &c.Email, &c.PhoneNumber,
			&loyalty, &clickAndCollect, &c.LastSeenEpoch, &c.ObservingAP, &c.Version); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		c.ID = strconv.FormatInt(id, 10)
		c.LoyaltyMember = loyalty != 0
		c.ClickAndCollect = clickAndCollect != 0
		customers = append(customers, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customers: %w", err)
	}

	return customers, nil
}

// RecordSighting sets the last-seen fields of customer id, provided its version
// still equals expectedVersion, and returns the updated record.
func (s *Store) RecordSighting(ctx context.Context, id string, expectedVersion, seenEpoch int64, apIdentifier string) (model.CustomerRecord, error) {
	if s.db == nil {
		return model.CustomerRecord{}, fmt.Errorf("store not initialized")
	}

	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return model.CustomerRecord{}, fmt.Errorf("customer id %q: %w", id, ErrNotFound)
	}

	// RETURNING yields the row exactly as this statement wrote it.
	updated, err := s.queryCustomers(ctx,
		`UPDATE customer_records SET last_seen_epoch = ?, observing_ap = ?, version = version + 1
		 WHERE id = ? AND version = ?
		 RETURNING `+customerColumns+`;`,
		seenEpoch,
		apIdentifier,
		rowID,
		expectedVersion,
	)
	if err != nil {
		return model.CustomerRecord{}, fmt.Errorf("update customer: %w", err)
	}
	if len(updated) > 0 {
		return updated[0], nil
	}

	current, err := s.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customer_records WHERE id = ?;`, rowID)
	if err != nil {
		return model.CustomerRecord{}, fmt.Errorf("reload customer: %w", err)
	}
	if len(current) == 0 {
		return model.CustomerRecord{}, ErrNotFound
	}
	return current[0], ErrVersionConflict
}

func (s *Store) queryCustomers(ctx context.Context, query string, args ...any) ([]model.CustomerRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCustomers(rows)
}

// InsertIngestionError records a payload that failed decoding.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (source, payload, error) VALUES (?, ?, ?);`,
		e.Source,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns the latest recorded failures, newest first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, payload, error FROM ingestion_errors ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	var entries []model.IngestionError
	for rows.Next() {
		var source, payload sql.NullString
		var e model.IngestionError
		if err := rows.Scan(&source, &payload, &e.Error); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		e.Source = source.String
		e.Payload = payload.String
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}

	return entries, nil
}

// WipeObservations removes all observation and ingestion-error rows while preserving customer records.
func (s *Store) WipeObservations(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	for _, stmt := range []string{
		`DELETE FROM observations;`,
		`DELETE FROM ingestion_errors;`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe data: %w", err)
		}
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTimestamp(s string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		ts, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return ts
}
