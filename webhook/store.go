package webhook

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

const (
	tableAttempts  = "webhook_delivery_attempts"
	tableEndpoints = "webhook_endpoints"
	tableAudit     = "resend_audit"
)

var dialect = goqu.Dialect("sqlite3")

// Schemas returns the DDL for the webhook store.
func Schemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS webhook_endpoints (
			id TEXT PRIMARY KEY,
			resource_key TEXT NOT NULL,
			url TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_resource
			ON webhook_endpoints(resource_key)`,
		`CREATE TABLE IF NOT EXISTS webhook_delivery_attempts (
			id INTEGER PRIMARY KEY,
			endpoint_id TEXT NOT NULL,
			change_event_id INTEGER NOT NULL,
			resource_key TEXT NOT NULL,
			url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			payload BLOB NOT NULL,
			last_status_code INTEGER NOT NULL DEFAULT 0,
			last_response TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			last_attempt_at INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(endpoint_id, change_event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_due
			ON webhook_delivery_attempts(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_resource
			ON webhook_delivery_attempts(resource_key)`,
		`CREATE TABLE IF NOT EXISTS resend_audit (
			id INTEGER PRIMARY KEY,
			resource_key TEXT NOT NULL,
			actor TEXT NOT NULL,
			affected INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
}

// Store is the SQLite-backed durable delivery queue.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
}

// NewStore creates or opens the webhook store at path.
func NewStore(path string, busyTimeoutMS int) (*Store, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	// Write connection (1 connection, immediate transactions)
	writeDSN := path
	if !isMemoryDB {
		if strings.Contains(writeDSN, "?") {
			writeDSN += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		} else {
			writeDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		}
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open webhook write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	// Read connection pool
	readDSN := path
	if !isMemoryDB {
		if strings.Contains(readDSN, "?") {
			readDSN += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
		} else {
			readDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
		}
	}

	readDB, err := sql.Open("sqlite3", readDSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open webhook read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(0)

	if !isMemoryDB {
		for _, db := range []*sql.DB{writeDB, readDB} {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA temp_store=MEMORY",
			} {
				if _, err := db.Exec(pragma); err != nil {
					writeDB.Close()
					readDB.Close()
					return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
				}
			}
		}
	}

	for _, schema := range Schemas() {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			readDB.Close()
			return nil, fmt.Errorf("failed to create webhook schema: %w", err)
		}
	}

	return &Store{
		writeDB: writeDB,
		readDB:  readDB,
		path:    path,
	}, nil
}

// Close closes both database connections
func (s *Store) Close() error {
	var writeErr, readErr error
	if s.writeDB != nil {
		writeErr = s.writeDB.Close()
	}
	if s.readDB != nil {
		readErr = s.readDB.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

// CreateAttempts inserts delivery attempts, skipping pairs that already
// exist. Feed redeliveries therefore cannot duplicate rows: a change event
// matching N active endpoints always yields exactly N attempts.
func (s *Store) CreateAttempts(attempts []Attempt) (int, error) {
	if len(attempts) == 0 {
		return 0, nil
	}

	inserted := 0
	for _, a := range attempts {
		query, args, err := dialect.Insert(tableAttempts).Prepared(true).
			Rows(goqu.Record{
				"id":              int64(a.ID),
				"endpoint_id":     a.EndpointID,
				"change_event_id": int64(a.ChangeEventID),
				"resource_key":    a.ResourceKey,
				"url":             a.URL,
				"status":          StatusPending,
				"attempts":        0,
				"payload":         a.Payload,
				"next_attempt_at": a.NextAttemptAt,
				"created_at":      a.CreatedAt,
				"updated_at":      a.CreatedAt,
			}).
			OnConflict(goqu.DoNothing()).
			ToSQL()
		if err != nil {
			return inserted, fmt.Errorf("failed to build attempt insert: %w", err)
		}

		res, err := s.writeDB.Exec(query, args...)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert attempt: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	return inserted, nil
}

const attemptColumns = `id, endpoint_id, change_event_id, resource_key, url, status,
	attempts, payload, last_status_code, last_response, last_error,
	last_attempt_at, next_attempt_at, created_at, updated_at`

func scanAttempt(row interface{ Scan(...interface{}) error }) (Attempt, error) {
	var a Attempt
	var id, eventID int64
	err := row.Scan(&id, &a.EndpointID, &eventID, &a.ResourceKey, &a.URL, &a.Status,
		&a.Attempts, &a.Payload, &a.LastStatusCode, &a.LastResponse, &a.LastError,
		&a.LastAttemptAt, &a.NextAttemptAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Attempt{}, err
	}
	a.ID = uint64(id)
	a.ChangeEventID = uint64(eventID)
	return a, nil
}

// GetAttempt fetches one attempt by id.
func (s *Store) GetAttempt(id uint64) (Attempt, error) {
	row := s.readDB.QueryRow(
		`SELECT `+attemptColumns+` FROM webhook_delivery_attempts WHERE id = ?`, int64(id))
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return Attempt{}, fmt.Errorf("attempt %d not found", id)
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("failed to read attempt: %w", err)
	}
	return a, nil
}

// Claim atomically transitions an attempt from pending to inflight. The
// attempt counter the caller read must still match, so a row reset by a
// resend between the read and the claim is left for a fresh poll instead
// of being settled with a stale counter. Returns false if another worker
// already claimed it or the row changed underneath the caller.
func (s *Store) Claim(id uint64, attempts int, now time.Time) (bool, error) {
	query, args, err := dialect.Update(tableAttempts).Prepared(true).
		Set(goqu.Record{
			"status":     StatusInflight,
			"updated_at": now.UnixMilli(),
		}).
		Where(goqu.Ex{
			"id":       int64(id),
			"status":   StatusPending,
			"attempts": attempts,
		}).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("failed to build claim update: %w", err)
	}

	res, err := s.writeDB.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to claim attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DueAttempts returns pending attempts whose backoff window has elapsed,
// oldest first. Callers must still Claim each row before dispatching it.
func (s *Store) DueAttempts(now time.Time, limit int) ([]Attempt, error) {
	rows, err := s.readDB.Query(
		`SELECT `+attemptColumns+` FROM webhook_delivery_attempts
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC LIMIT ?`,
		StatusPending, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkSent records a successful delivery. Sent is terminal: the inflight
// guard means no later transition can touch the row.
func (s *Store) MarkSent(id uint64, out Outcome) error {
	query, args, err := dialect.Update(tableAttempts).Prepared(true).
		Set(goqu.Record{
			"status":           StatusSent,
			"attempts":         goqu.L("attempts + 1"),
			"last_status_code": out.StatusCode,
			"last_response":    out.Response,
			"last_error":       "",
			"last_attempt_at":  out.At.UnixMilli(),
			"updated_at":       out.At.UnixMilli(),
		}).
		Where(goqu.Ex{
			"id":     int64(id),
			"status": StatusInflight,
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build sent update: %w", err)
	}

	res, err := s.writeDB.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark attempt sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("attempt %d was not inflight", id)
	}
	return nil
}

// MarkFailedAttempt records an unsuccessful delivery. When final is true the
// row becomes failed and leaves the automatic retry cycle; otherwise it
// returns to pending with the next backoff window.
func (s *Store) MarkFailedAttempt(id uint64, out Outcome, nextAttemptAt time.Time, final bool) error {
	status := StatusPending
	if final {
		status = StatusFailed
	}

	query, args, err := dialect.Update(tableAttempts).Prepared(true).
		Set(goqu.Record{
			"status":           status,
			"attempts":         goqu.L("attempts + 1"),
			"last_status_code": out.StatusCode,
			"last_response":    out.Response,
			"last_error":       out.Err,
			"last_attempt_at":  out.At.UnixMilli(),
			"next_attempt_at":  nextAttemptAt.UnixMilli(),
			"updated_at":       out.At.UnixMilli(),
		}).
		Where(goqu.Ex{
			"id":     int64(id),
			"status": StatusInflight,
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build failure update: %w", err)
	}

	res, err := s.writeDB.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to record attempt failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("attempt %d was not inflight", id)
	}
	return nil
}

// RecoverInflight returns crashed-over inflight rows to pending. Called once
// on startup before dispatch begins; the rows become due immediately.
func (s *Store) RecoverInflight(now time.Time) (int, error) {
	query, args, err := dialect.Update(tableAttempts).Prepared(true).
		Set(goqu.Record{
			"status":          StatusPending,
			"next_attempt_at": now.UnixMilli(),
			"updated_at":      now.UnixMilli(),
		}).
		Where(goqu.Ex{"status": StatusInflight}).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build recovery update: %w", err)
	}

	res, err := s.writeDB.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to recover inflight attempts: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetByResource returns every non-sent, non-inflight attempt for the
// resource to pending with a zeroed attempt counter, making them due
// immediately. Sent rows stay terminal; receivers deduplicate on
// change_event_id if operators need a true replay.
func (s *Store) ResetByResource(resourceKey string, now time.Time) (int, error) {
	query, args, err := dialect.Update(tableAttempts).Prepared(true).
		Set(goqu.Record{
			"status":          StatusPending,
			"attempts":        0,
			"next_attempt_at": now.UnixMilli(),
			"updated_at":      now.UnixMilli(),
		}).
		Where(goqu.Ex{
			"resource_key": resourceKey,
			"status":       []string{StatusPending, StatusFailed},
		}).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build reset update: %w", err)
	}

	res, err := s.writeDB.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset attempts: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListAttempts returns attempts filtered by resource key and optionally by
// status, newest first, for the operator dashboard.
func (s *Store) ListAttempts(resourceKey, status string, limit int) ([]Attempt, error) {
	where := goqu.Ex{"resource_key": resourceKey}
	if status != "" {
		where["status"] = status
	}

	query, args, err := dialect.From(tableAttempts).Prepared(true).
		Select(goqu.L(attemptColumns)).
		Where(where).
		Order(goqu.I("created_at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build attempt query: %w", err)
	}

	rows, err := s.readDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountPending returns the number of attempts awaiting delivery.
func (s *Store) CountPending() (int, error) {
	var n int
	err := s.readDB.QueryRow(
		`SELECT COUNT(*) FROM webhook_delivery_attempts WHERE status = ?`,
		StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending attempts: %w", err)
	}
	return n, nil
}

// InsertResendAudit records a manual resend operation.
func (s *Store) InsertResendAudit(audit ResendAudit) error {
	query, args, err := dialect.Insert(tableAudit).Prepared(true).
		Rows(goqu.Record{
			"id":           int64(audit.ID),
			"resource_key": audit.ResourceKey,
			"actor":        audit.Actor,
			"affected":     audit.Affected,
			"created_at":   audit.CreatedAt,
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build audit insert: %w", err)
	}

	if _, err := s.writeDB.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to insert resend audit: %w", err)
	}
	return nil
}

// ListResendAudits returns recent manual resends, newest first.
func (s *Store) ListResendAudits(limit int) ([]ResendAudit, error) {
	rows, err := s.readDB.Query(
		`SELECT id, resource_key, actor, affected, created_at
		 FROM resend_audit ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list resend audits: %w", err)
	}
	defer rows.Close()

	var out []ResendAudit
	for rows.Next() {
		var a ResendAudit
		var id int64
		if err := rows.Scan(&id, &a.ResourceKey, &a.Actor, &a.Affected, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resend audit: %w", err)
		}
		a.ID = uint64(id)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertEndpoint mirrors an endpoint row from the settings tables.
func (s *Store) UpsertEndpoint(ep Endpoint) error {
	_, err := s.writeDB.Exec(
		`INSERT INTO webhook_endpoints (id, resource_key, url, is_active)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			resource_key = excluded.resource_key,
			url = excluded.url,
			is_active = excluded.is_active`,
		ep.ID, ep.ResourceKey, ep.URL, ep.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert endpoint: %w", err)
	}
	return nil
}

// DeleteEndpoint removes a mirrored endpoint row.
func (s *Store) DeleteEndpoint(id string) error {
	if _, err := s.writeDB.Exec(`DELETE FROM webhook_endpoints WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	return nil
}

// ActiveEndpoints returns the active endpoints registered for a resource.
func (s *Store) ActiveEndpoints(resourceKey string) ([]Endpoint, error) {
	rows, err := s.readDB.Query(
		`SELECT id, resource_key, url, is_active FROM webhook_endpoints
		 WHERE resource_key = ? AND is_active = 1`, resourceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoints: %w", err)
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var ep Endpoint
		if err := rows.Scan(&ep.ID, &ep.ResourceKey, &ep.URL, &ep.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}
