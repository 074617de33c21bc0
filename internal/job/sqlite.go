package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mimiry/internal/apperrors"
)

// SQLiteStore is the durable Store. Terminal transitions execute as
// conditional UPDATEs inside an immediate transaction, so two racing
// finalizers cannot both win.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the job database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	// _txlock=immediate takes the write lock at BEGIN, so two racing
	// Transition calls queue on the busy timeout instead of one of them
	// failing a snapshot upgrade mid-transaction.
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		status             TEXT NOT NULL,
		provider           TEXT NOT NULL,
		instance_type      TEXT NOT NULL,
		image              TEXT NOT NULL,
		location           TEXT NOT NULL DEFAULT '',
		ssh_key_ids        TEXT NOT NULL DEFAULT '[]',
		startup_script     TEXT NOT NULL DEFAULT '',
		auto_shutdown      INTEGER NOT NULL DEFAULT 0,
		heartbeat_timeout  INTEGER NOT NULL,
		max_runtime        INTEGER NOT NULL DEFAULT 0,
		instance_id        TEXT NOT NULL DEFAULT '',
		error_message      TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMP NOT NULL,
		provisioned_at     TIMESTAMP,
		started_at         TIMESTAMP,
		completed_at       TIMESTAMP,
		last_heartbeat_at  TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping verifies the database is reachable, for readiness checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const jobColumns = `id, name, status, provider, instance_type, image, location,
	ssh_key_ids, startup_script, auto_shutdown, heartbeat_timeout, max_runtime,
	instance_id, error_message, created_at, provisioned_at, started_at,
	completed_at, last_heartbeat_at`

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	keys, err := json.Marshal(j.SSHKeyIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Status, j.Provider, j.InstanceType, j.Image, j.Location,
		string(keys), j.StartupScript, j.AutoShutdown, j.HeartbeatTimeout, j.MaxRuntimeSeconds,
		j.ProviderInstanceID, j.ErrorMessage, j.CreatedAt.UTC(),
		nullableTime(j.ProvisionedAt), nullableTime(j.StartedAt),
		nullableTime(j.CompletedAt), nullableTime(j.LastHeartbeatAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	return j, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (`+placeholders+`) ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from []Status, mutate func(*Job)) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, err
	}
	if !slices.Contains(from, j.Status) {
		return nil, apperrors.Conflict("job", id, "job is "+string(j.Status))
	}

	prior := j.Status
	mutate(j)

	keys, err := json.Marshal(j.SSHKeyIDs)
	if err != nil {
		return nil, err
	}

	// The status guard repeats in the UPDATE so the write is conditional
	// even if another writer slipped in between read and write.
	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET
	name = ?, status = ?, instance_id = ?, error_message = ?, ssh_key_ids = ?,
	provisioned_at = ?, started_at = ?, completed_at = ?, last_heartbeat_at = ?
WHERE id = ? AND status = ?`,
		j.Name, j.Status, j.ProviderInstanceID, j.ErrorMessage, string(keys),
		nullableTime(j.ProvisionedAt), nullableTime(j.StartedAt),
		nullableTime(j.CompletedAt), nullableTime(j.LastHeartbeatAt),
		id, string(prior))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperrors.Conflict("job", id, "job transitioned concurrently")
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var keys string
	var provisioned, started, completed, heartbeat sql.NullTime

	err := row.Scan(&j.ID, &j.Name, &j.Status, &j.Provider, &j.InstanceType, &j.Image,
		&j.Location, &keys, &j.StartupScript, &j.AutoShutdown, &j.HeartbeatTimeout,
		&j.MaxRuntimeSeconds, &j.ProviderInstanceID, &j.ErrorMessage, &j.CreatedAt,
		&provisioned, &started, &completed, &heartbeat)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(keys), &j.SSHKeyIDs); err != nil {
		return nil, fmt.Errorf("corrupt ssh_key_ids for job %s: %w", j.ID, err)
	}
	if provisioned.Valid {
		t := provisioned.Time
		j.ProvisionedAt = &t
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	if heartbeat.Valid {
		t := heartbeat.Time
		j.LastHeartbeatAt = &t
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
