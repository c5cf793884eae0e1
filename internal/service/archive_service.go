package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"torrentctl/internal/domain"
	"torrentctl/internal/storage"
)

var (
	// ErrArchiveDisabled is returned when no bucket is configured.
	ErrArchiveDisabled = errors.New("archive storage is not configured")
	// ErrNotFinished is returned when archiving a task whose data is incomplete.
	ErrNotFinished = errors.New("task has not finished")
)

// ArchiveService copies finished task data to object storage.
type ArchiveService interface {
	Enabled() bool
	Archive(ctx context.Context, infoHash string) (string, error)
	UploadContent(ctx context.Context, infoHash, contentPath string) (string, error)
	ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
	ObjectURL(ctx context.Context, key string, expires time.Duration) (string, error)
	DeleteArchive(ctx context.Context, location string) error
}

type ArchiveConfig struct {
	Bucket    string
	KeyPrefix string
	Logger    *logrus.Logger
}

type archiveService struct {
	cfg     ArchiveConfig
	storage storage.Service
	tasks   TaskService
}

// NewArchiveService builds the archive service. store may be nil, in which
// case every operation reports ErrArchiveDisabled. tasks may be nil for
// callers that only use UploadContent.
func NewArchiveService(cfg ArchiveConfig, store storage.Service, tasks TaskService) ArchiveService {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &archiveService{cfg: cfg, storage: store, tasks: tasks}
}

func (s *archiveService) Enabled() bool {
	return s.storage != nil && s.cfg.Bucket != ""
}

func (s *archiveService) Archive(ctx context.Context, infoHash string) (string, error) {
	if !s.Enabled() {
		return "", ErrArchiveDisabled
	}
	if s.tasks == nil {
		return "", errors.New("task journal is not available")
	}
	entry, err := s.tasks.GetEntry(ctx, infoHash)
	if err != nil {
		return "", err
	}
	if entry.Status != domain.JournalStatusFinished {
		return "", fmt.Errorf("archive %s: %w", infoHash, ErrNotFinished)
	}

	location, err := s.UploadContent(ctx, infoHash, filepath.Join(entry.DataRoot, filepath.FromSlash(entry.Name)))
	if err != nil {
		return "", err
	}
	if err := s.tasks.MarkArchived(ctx, infoHash, location); err != nil {
		return "", fmt.Errorf("record archive: %w", err)
	}
	return location, nil
}

// UploadContent uploads contentPath below the task's key prefix.
func (s *archiveService) UploadContent(ctx context.Context, infoHash, contentPath string) (string, error) {
	if !s.Enabled() {
		return "", ErrArchiveDisabled
	}
	logger := s.cfg.Logger.WithField("info_hash", infoHash)
	progressLogger := newUploadProgressLogger(logger)

	logger.Infof("upload started from %s", contentPath)
	location, err := s.storage.Upload(ctx, contentPath, storage.UploadOptions{
		Bucket:           s.cfg.Bucket,
		KeyPrefix:        storage.JoinKey(s.cfg.KeyPrefix, infoHash),
		ProgressCallback: progressLogger,
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	logger.Infof("task data uploaded to %s", location)
	return location, nil
}

func (s *archiveService) ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	if !s.Enabled() {
		return nil, ErrArchiveDisabled
	}
	if prefix == "" {
		prefix = s.cfg.KeyPrefix
	}
	return s.storage.ListObjects(ctx, s.cfg.Bucket, prefix)
}

func (s *archiveService) ObjectURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if !s.Enabled() {
		return "", ErrArchiveDisabled
	}
	return s.storage.GetObjectURL(ctx, s.cfg.Bucket, key, expires)
}

func (s *archiveService) DeleteArchive(ctx context.Context, location string) error {
	if !s.Enabled() {
		return ErrArchiveDisabled
	}
	prefix, err := storage.ParseLocation(location, s.cfg.Bucket)
	if err != nil {
		return err
	}
	return s.storage.DeletePrefix(ctx, s.cfg.Bucket, prefix)
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var (
		lastLog time.Time
	)
	return func(done, total int64) {
		now := time.Now()
		if total == 0 {
			if now.Sub(lastLog) < 500*time.Millisecond && done != 0 {
				return
			}
			lastLog = now
			logger.Infof("upload progress: %s uploaded", domain.FormatBytes(done))
			return
		}

		percent := float64(done) / float64(total) * 100
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		logger.Infof("upload progress: %.1f%% (%s/%s)", percent, domain.FormatBytes(done), domain.FormatBytes(total))
	}
}
