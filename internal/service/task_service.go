package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"torrentctl/internal/domain"
	"torrentctl/internal/repository"
)

// TaskService keeps the task journal. It receives coordinator lifecycle
// notifications and serves the history endpoints.
type TaskService interface {
	TaskStarted(ctx context.Context, entry domain.JournalEntry) error
	TaskStopped(ctx context.Context, infoHash string) error
	TaskFinished(ctx context.Context, infoHash string) error
	TaskFailed(ctx context.Context, infoHash, reason string) error

	GetEntry(ctx context.Context, infoHash string) (*domain.JournalEntry, error)
	ListEntries(ctx context.Context) ([]domain.JournalEntry, error)
	ListByStatuses(ctx context.Context, statuses ...domain.JournalStatus) ([]domain.JournalEntry, error)
	MarkArchived(ctx context.Context, infoHash, location string) error
	DeleteEntry(ctx context.Context, infoHash string) error
	SessionID() string
}

type taskService struct {
	tasks     repository.TaskRepository
	files     repository.TaskFileRepository
	sessionID string
}

func NewTaskService(tasks repository.TaskRepository, files repository.TaskFileRepository) TaskService {
	return &taskService{
		tasks:     tasks,
		files:     files,
		sessionID: uuid.NewString(),
	}
}

func (s *taskService) SessionID() string {
	return s.sessionID
}

func (s *taskService) TaskStarted(ctx context.Context, entry domain.JournalEntry) error {
	if entry.InfoHash == "" {
		return errors.New("info hash is required")
	}
	entry.Status = domain.JournalStatusActive
	entry.ErrorMessage = ""
	entry.SessionID = s.sessionID
	if err := s.tasks.Upsert(ctx, &entry); err != nil {
		return err
	}
	if err := s.files.ReplaceForTask(ctx, entry.InfoHash, entry.Files); err != nil {
		return fmt.Errorf("record files: %w", err)
	}
	return nil
}

func (s *taskService) TaskStopped(ctx context.Context, infoHash string) error {
	return s.tasks.UpdateStatus(ctx, infoHash, domain.JournalStatusStopped, nil)
}

func (s *taskService) TaskFinished(ctx context.Context, infoHash string) error {
	entry, err := s.tasks.Get(ctx, infoHash)
	if err != nil {
		return err
	}
	// finished events repeat after every restart; finished_at keeps the first one
	if entry.Status == domain.JournalStatusFinished && entry.FinishedAt != nil {
		return nil
	}
	return s.tasks.MarkFinished(ctx, infoHash, time.Now())
}

func (s *taskService) TaskFailed(ctx context.Context, infoHash, reason string) error {
	return s.tasks.UpdateStatus(ctx, infoHash, domain.JournalStatusFailed, &reason)
}

func (s *taskService) GetEntry(ctx context.Context, infoHash string) (*domain.JournalEntry, error) {
	entry, err := s.tasks.Get(ctx, infoHash)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListByTask(ctx, infoHash)
	if err != nil {
		return nil, err
	}
	entry.Files = files
	return entry, nil
}

func (s *taskService) ListEntries(ctx context.Context) ([]domain.JournalEntry, error) {
	entries, err := s.tasks.List(ctx)
	if err != nil {
		return nil, err
	}
	return s.withFiles(ctx, entries)
}

func (s *taskService) ListByStatuses(ctx context.Context, statuses ...domain.JournalStatus) ([]domain.JournalEntry, error) {
	entries, err := s.tasks.ListByStatuses(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return s.withFiles(ctx, entries)
}

func (s *taskService) withFiles(ctx context.Context, entries []domain.JournalEntry) ([]domain.JournalEntry, error) {
	for i := range entries {
		files, err := s.files.ListByTask(ctx, entries[i].InfoHash)
		if err != nil {
			return nil, err
		}
		entries[i].Files = files
	}
	return entries, nil
}

func (s *taskService) MarkArchived(ctx context.Context, infoHash, location string) error {
	return s.tasks.MarkArchived(ctx, infoHash, location, time.Now())
}

func (s *taskService) DeleteEntry(ctx context.Context, infoHash string) error {
	return s.tasks.Delete(ctx, infoHash)
}
