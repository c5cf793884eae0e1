package repository

import (
	"context"
	"errors"
	"time"

	"torrentctl/internal/domain"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// TaskRepository persists the task journal, one row per info hash.
type TaskRepository interface {
	Init(ctx context.Context) error
	Upsert(ctx context.Context, entry *domain.JournalEntry) error
	UpdateStatus(ctx context.Context, infoHash string, status domain.JournalStatus, errorMessage *string) error
	MarkFinished(ctx context.Context, infoHash string, finishedAt time.Time) error
	MarkArchived(ctx context.Context, infoHash, location string, archivedAt time.Time) error
	Delete(ctx context.Context, infoHash string) error
	Get(ctx context.Context, infoHash string) (*domain.JournalEntry, error)
	List(ctx context.Context) ([]domain.JournalEntry, error)
	ListByStatuses(ctx context.Context, statuses ...domain.JournalStatus) ([]domain.JournalEntry, error)
}

// TaskFileRepository manages the file listing of journaled tasks.
type TaskFileRepository interface {
	Init(ctx context.Context) error
	ReplaceForTask(ctx context.Context, infoHash string, files []domain.TaskFile) error
	ListByTask(ctx context.Context, infoHash string) ([]domain.TaskFile, error)
}
