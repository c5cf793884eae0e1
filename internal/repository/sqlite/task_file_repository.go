package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"torrentctl/internal/domain"
	"torrentctl/internal/repository"
)

const createTaskFilesTable = `
CREATE TABLE IF NOT EXISTS task_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	info_hash TEXT NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	FOREIGN KEY(info_hash) REFERENCES tasks(info_hash) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_files_info_hash ON task_files(info_hash);
`

type TaskFileRepository struct {
	db *sql.DB
}

func NewTaskFileRepository(db *sql.DB) repository.TaskFileRepository {
	return &TaskFileRepository{db: db}
}

func (r *TaskFileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTaskFilesTable); err != nil {
		return fmt.Errorf("create task_files table: %w", err)
	}
	return nil
}

func (r *TaskFileRepository) ReplaceForTask(ctx context.Context, infoHash string, files []domain.TaskFile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_files WHERE info_hash=?`, infoHash); err != nil {
		return fmt.Errorf("delete files: %w", err)
	}

	for _, file := range files {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO task_files (info_hash, path, size)
VALUES (?, ?, ?)`,
			infoHash,
			file.Path,
			file.Size,
		); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *TaskFileRepository) ListByTask(ctx context.Context, infoHash string) ([]domain.TaskFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, info_hash, path, size
FROM task_files
WHERE info_hash=?
ORDER BY id ASC`, infoHash)
	if err != nil {
		return nil, fmt.Errorf("query task files: %w", err)
	}
	defer rows.Close()

	files := []domain.TaskFile{}
	for rows.Next() {
		var file domain.TaskFile
		if err := rows.Scan(&file.ID, &file.InfoHash, &file.Path, &file.Size); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, file)
	}

	return files, rows.Err()
}
