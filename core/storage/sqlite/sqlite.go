package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/modelgate/modelgate/core/storage"
)

//go:embed schema.sql
var schemaSQL string

// Store implements storage.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers unblocked; sqlite still wants a single writer.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertIdentity inserts the identity on first authentication; subsequent
// calls return the stored row unchanged.
func (s *Store) UpsertIdentity(ctx context.Context, identity *storage.Identity) (*storage.Identity, error) {
	if identity == nil || identity.ID == "" {
		return nil, errors.New("identity id required")
	}
	createdAt := identity.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, display_name, username, idp_id, idp_name, auth_service, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		identity.ID, identity.DisplayName, identity.Username,
		identity.IdPID, identity.IdPName, identity.AuthService, createdAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("upsert identity: %w", err)
	}
	return s.GetIdentity(ctx, identity.ID)
}

func (s *Store) GetIdentity(ctx context.Context, id string) (*storage.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, username, idp_id, idp_name, auth_service, created_at
		FROM identities WHERE id = ?`, id)
	var identity storage.Identity
	var createdAt int64
	err := row.Scan(&identity.ID, &identity.DisplayName, &identity.Username,
		&identity.IdPID, &identity.IdPName, &identity.AuthService, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	identity.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &identity, nil
}

func (s *Store) RecordTask(ctx context.Context, rec *storage.TaskRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("task id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, identity_id, endpoint_slug, operation, prompt_digest,
			submitted_at, compute_request_at, compute_response_at, status_code, result, backend_task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.IdentityID, rec.EndpointSlug, rec.Operation, rec.PromptDigest,
		rec.SubmittedAt.Unix(), unixOrNull(rec.ComputeRequestAt), unixOrNull(rec.ComputeResponseAt),
		rec.StatusCode, rec.Result, rec.BackendTaskID)
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*storage.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]*storage.TaskRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, taskSelect+` ORDER BY submitted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []*storage.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) WriteStreamSummary(ctx context.Context, taskID, summary string) error {
	if taskID == "" {
		return errors.New("task id required")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET result = ? WHERE id = ? AND result = ''`, summary, taskID)
	if err != nil {
		return fmt.Errorf("write stream summary: %w", err)
	}
	return nil
}

func (s *Store) RecordBatchEvent(ctx context.Context, event *storage.BatchEvent) error {
	if event == nil || event.BatchID == "" {
		return errors.New("batch id required")
	}
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_events (batch_id, status, detail, at) VALUES (?, ?, ?, ?)`,
		event.BatchID, event.Status, event.Detail, at.Unix())
	if err != nil {
		return fmt.Errorf("record batch event: %w", err)
	}
	return nil
}

func (s *Store) ListBatchEvents(ctx context.Context, batchID string) ([]*storage.BatchEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, status, detail, at FROM batch_events WHERE batch_id = ? ORDER BY at, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch events: %w", err)
	}
	defer rows.Close()
	var out []*storage.BatchEvent
	for rows.Next() {
		var event storage.BatchEvent
		var at int64
		if err := rows.Scan(&event.BatchID, &event.Status, &event.Detail, &at); err != nil {
			return nil, err
		}
		event.At = time.Unix(at, 0).UTC()
		out = append(out, &event)
	}
	return out, rows.Err()
}

const taskSelect = `
	SELECT id, identity_id, endpoint_slug, operation, prompt_digest,
		submitted_at, compute_request_at, compute_response_at, status_code, result, backend_task_id
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*storage.TaskRecord, error) {
	var rec storage.TaskRecord
	var submittedAt int64
	var requestAt, responseAt sql.NullInt64
	err := row.Scan(&rec.ID, &rec.IdentityID, &rec.EndpointSlug, &rec.Operation, &rec.PromptDigest,
		&submittedAt, &requestAt, &responseAt, &rec.StatusCode, &rec.Result, &rec.BackendTaskID)
	if err != nil {
		return nil, err
	}
	rec.SubmittedAt = time.Unix(submittedAt, 0).UTC()
	rec.ComputeRequestAt = timePtr(requestAt)
	rec.ComputeResponseAt = timePtr(responseAt)
	return &rec, nil
}

func unixOrNull(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
