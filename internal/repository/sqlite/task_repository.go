package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"torrentctl/internal/domain"
	"torrentctl/internal/repository"
)

const (
	createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	info_hash TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	descriptor_path TEXT NOT NULL,
	data_root TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	total_size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	finished_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

	selectTaskColumns = `
SELECT info_hash, kind, descriptor_path, data_root, name, total_size, status, error_message, session_id, archive_location, created_at, updated_at, finished_at, archived_at
FROM tasks`
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	if err := r.ensureTaskColumns(ctx); err != nil {
		return err
	}
	return nil
}

// ensureTaskColumns adds the columns introduced after the first schema.
func (r *TaskRepository) ensureTaskColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(tasks)`)
	if err != nil {
		return fmt.Errorf("describe tasks table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := addColumn("session_id", `ALTER TABLE tasks ADD COLUMN session_id TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	if err := addColumn("archive_location", `ALTER TABLE tasks ADD COLUMN archive_location TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	if err := addColumn("archived_at", `ALTER TABLE tasks ADD COLUMN archived_at DATETIME NULL`); err != nil {
		return err
	}
	return nil
}

// Upsert inserts the entry or refreshes an existing row for the same info
// hash. Archive data and the creation time of an existing row are kept.
func (r *TaskRepository) Upsert(ctx context.Context, entry *domain.JournalEntry) error {
	now := time.Now().UTC()
	entry.UpdatedAt = now
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (info_hash, kind, descriptor_path, data_root, name, total_size, status, error_message, session_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(info_hash) DO UPDATE SET
	kind=excluded.kind,
	descriptor_path=excluded.descriptor_path,
	data_root=excluded.data_root,
	name=excluded.name,
	total_size=excluded.total_size,
	status=excluded.status,
	error_message=excluded.error_message,
	session_id=excluded.session_id,
	updated_at=excluded.updated_at`,
		entry.InfoHash,
		string(entry.Kind),
		entry.DescriptorPath,
		entry.DataRoot,
		entry.Name,
		entry.TotalSize,
		string(entry.Status),
		entry.ErrorMessage,
		entry.SessionID,
		entry.CreatedAt.UTC(),
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, infoHash string, status domain.JournalStatus, errorMessage *string) error {
	now := time.Now().UTC()
	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status=?, error_message=?, updated_at=?
WHERE info_hash=?`,
		string(status),
		msg,
		now,
		infoHash,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return expectRow(res, infoHash)
}

func (r *TaskRepository) MarkFinished(ctx context.Context, infoHash string, finishedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status=?, finished_at=COALESCE(finished_at, ?), updated_at=?
WHERE info_hash=?`,
		string(domain.JournalStatusFinished),
		finishedAt.UTC(),
		time.Now().UTC(),
		infoHash,
	)
	if err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}
	return expectRow(res, infoHash)
}

func (r *TaskRepository) MarkArchived(ctx context.Context, infoHash, location string, archivedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET archive_location=?, archived_at=?, updated_at=?
WHERE info_hash=?`,
		location,
		archivedAt.UTC(),
		time.Now().UTC(),
		infoHash,
	)
	if err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	return expectRow(res, infoHash)
}

func (r *TaskRepository) Delete(ctx context.Context, infoHash string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_files WHERE info_hash=?`, infoHash); err != nil {
		return fmt.Errorf("delete task files: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE info_hash=?`, infoHash)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if err := expectRow(res, infoHash); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task delete: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, infoHash string) (*domain.JournalEntry, error) {
	row := r.db.QueryRowContext(ctx, selectTaskColumns+`
WHERE info_hash=?`,
		infoHash,
	)
	return scanEntry(row)
}

func (r *TaskRepository) List(ctx context.Context) ([]domain.JournalEntry, error) {
	rows, err := r.db.QueryContext(ctx, selectTaskColumns+`
ORDER BY created_at DESC, info_hash ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *TaskRepository) ListByStatuses(ctx context.Context, statuses ...domain.JournalStatus) ([]domain.JournalEntry, error) {
	if len(statuses) == 0 {
		return []domain.JournalEntry{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(selectTaskColumns+`
WHERE status IN (%s)
ORDER BY created_at ASC, info_hash ASC`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]domain.JournalEntry, error) {
	entries := []domain.JournalEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanEntry(scanner interface {
	Scan(dest ...any) error
}) (*domain.JournalEntry, error) {
	var (
		entry      domain.JournalEntry
		kind       string
		status     string
		createdAt  time.Time
		updatedAt  time.Time
		finishedAt sql.NullTime
		archivedAt sql.NullTime
	)

	if err := scanner.Scan(
		&entry.InfoHash,
		&kind,
		&entry.DescriptorPath,
		&entry.DataRoot,
		&entry.Name,
		&entry.TotalSize,
		&status,
		&entry.ErrorMessage,
		&entry.SessionID,
		&entry.ArchiveLocation,
		&createdAt,
		&updatedAt,
		&finishedAt,
		&archivedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task: %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	entry.Kind = domain.TaskKind(kind)
	entry.Status = domain.JournalStatus(status)
	entry.CreatedAt = createdAt.Local()
	entry.UpdatedAt = updatedAt.Local()
	if finishedAt.Valid {
		t := finishedAt.Time.Local()
		entry.FinishedAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time.Local()
		entry.ArchivedAt = &t
	}

	return &entry, nil
}

func expectRow(res sql.Result, infoHash string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("task %s: %w", infoHash, repository.ErrNotFound)
	}
	return nil
}
