// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	durableerrors "github.com/tombee/durable/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the embedded-SQLite execution log backend.
type SQLiteStore struct {
	db *sql.DB
}

// Config contains SQLite connection configuration for the execution
// log.
type Config struct {
	// Path is the database file path. ":memory:" opens an in-memory
	// database, primarily for tests.
	Path string
}

// NewSQLiteStore opens (creating if absent) the execution log database
// at cfg.Path and ensures its schema exists.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS invocations (
			flow_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			class_name TEXT NOT NULL,
			method_name TEXT NOT NULL,
			delay_millis INTEGER,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 1,
			parameters BLOB,
			return_value BLOB,
			PRIMARY KEY (flow_id, step)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_step0_status ON invocations(status) WHERE step = 0`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// timestampLayout is fixed-width (always nine fractional digits, UTC),
// so the text column sorts in chronological order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// LogStart implements Store.
func (s *SQLiteStore) LogStart(ctx context.Context, flowID string, step int, class, method string, delay time.Duration, hasDelay bool, status Status, params []byte) error {
	var delayMillis any
	if hasDelay {
		delayMillis = delay.Milliseconds()
	}

	query := `
		INSERT INTO invocations (flow_id, step, timestamp, class_name, method_name, delay_millis, status, attempts, parameters, return_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, NULL)
		ON CONFLICT (flow_id, step) DO UPDATE SET
			attempts = invocations.attempts + 1,
			timestamp = excluded.timestamp,
			status = excluded.status
	`

	_, err := s.db.ExecContext(ctx, query,
		flowID, step, time.Now().UTC().Format(timestampLayout), class, method, delayMillis, string(status), params,
	)
	if err != nil {
		return fmt.Errorf("store: log start for %s/%d: %w", flowID, step, err)
	}

	return nil
}

// LogCompletion implements Store.
func (s *SQLiteStore) LogCompletion(ctx context.Context, flowID string, step int, returnValue []byte) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, return_value = ? WHERE flow_id = ? AND step = ?`,
		string(StatusComplete), returnValue, flowID, step,
	)
	if err != nil {
		return fmt.Errorf("store: log completion for %s/%d: %w", flowID, step, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: log completion for %s/%d: %w", flowID, step, err)
	}
	if rows == 0 {
		return &durableerrors.NotFoundError{Resource: "invocation", ID: fmt.Sprintf("%s/%d", flowID, step)}
	}

	return nil
}

// GetInvocation implements Store.
func (s *SQLiteStore) GetInvocation(ctx context.Context, flowID string, step int) (*Invocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT flow_id, step, timestamp, class_name, method_name, delay_millis, status, attempts, parameters, return_value
		FROM invocations WHERE flow_id = ? AND step = ?
	`, flowID, step)

	return scanInvocation(row)
}

// GetLatestInvocation implements Store.
func (s *SQLiteStore) GetLatestInvocation(ctx context.Context, flowID string) (*Invocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT flow_id, step, timestamp, class_name, method_name, delay_millis, status, attempts, parameters, return_value
		FROM invocations WHERE flow_id = ? ORDER BY step DESC LIMIT 1
	`, flowID)

	return scanInvocation(row)
}

// GetIncompleteFlows implements Store.
func (s *SQLiteStore) GetIncompleteFlows(ctx context.Context) ([]*Invocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, step, timestamp, class_name, method_name, delay_millis, status, attempts, parameters, return_value
		FROM invocations WHERE step = 0 AND status != ? ORDER BY timestamp ASC
	`, string(StatusComplete))
	if err != nil {
		return nil, fmt.Errorf("store: list incomplete flows: %w", err)
	}
	defer rows.Close()

	var incomplete []*Invocation
	for rows.Next() {
		inv, err := scanInvocationRows(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan incomplete flow: %w", err)
		}
		incomplete = append(incomplete, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list incomplete flows: %w", err)
	}

	return incomplete, nil
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM invocations`); err != nil {
		return fmt.Errorf("store: reset: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanInvocationRows
// can serve both single-row and multi-row queries.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row *sql.Row) (*Invocation, error) {
	inv, err := scanInvocationRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inv, err
}

func scanInvocationRows(row rowScanner) (*Invocation, error) {
	var inv Invocation
	var timestamp, status string
	var delayMillis sql.NullInt64

	if err := row.Scan(
		&inv.FlowID, &inv.Step, &timestamp, &inv.ClassName, &inv.MethodName,
		&delayMillis, &status, &inv.Attempts, &inv.Parameters, &inv.ReturnValue,
	); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", timestamp, err)
	}
	inv.Timestamp = ts
	inv.Status = Status(status)

	if delayMillis.Valid {
		inv.HasDelay = true
		inv.DelayMillis = delayMillis.Int64
	}

	return &inv, nil
}
