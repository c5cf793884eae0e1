package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/sirupsen/logrus"

	"torrentctl/internal/config"
	"torrentctl/internal/coordinator"
	"torrentctl/internal/domain"
	"torrentctl/internal/metafile"
	"torrentctl/internal/service"
)

const barSteps = 1000

func runDownload(ctx context.Context, cfg config.Config, logger *logrus.Logger, torrentPath, dir string, archive bool) error {
	// fail before the transfer when the upload could never happen
	var archiver service.ArchiveService
	if archive {
		store, err := buildStorage(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("setup storage: %w", err)
		}
		archiver = service.NewArchiveService(service.ArchiveConfig{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
			Logger:    logger,
		}, store, nil)
		if !archiver.Enabled() {
			return fmt.Errorf("--archive needs storage.bucket: %w", service.ErrArchiveDisabled)
		}
	}

	coord, err := openCoordinator(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer coord.Close()

	id, err := coord.StartDownload(ctx, torrentPath, dir)
	if err != nil {
		return err
	}

	st, err := waitFinished(ctx, coord, id, cfg.Coordinator.PumpInterval)
	if err != nil {
		return err
	}
	logger.WithField("info_hash", id).Infof("download finished: %s", domain.FormatBytes(st.TotalSize))
	if err := coordinator.FormatStatus(os.Stdout, st); err != nil {
		return err
	}

	if archiver == nil {
		return nil
	}
	_, info, err := metafile.Load(torrentPath)
	if err != nil {
		return fmt.Errorf("read descriptor: %w", err)
	}
	location, err := archiver.UploadContent(ctx, id, filepath.Join(st.DataRoot, info.BestName()))
	if err != nil {
		return err
	}
	fmt.Printf("Archived to %s\n", location)
	return nil
}

// waitFinished pumps the coordinator and renders a progress bar until the task
// is complete, the task is lost or ctx ends.
func waitFinished(ctx context.Context, coord coordinator.Coordinator, id string, interval time.Duration) (domain.TaskStatus, error) {
	progress := uiprogress.New()
	progress.Start()
	defer progress.Stop()

	// the bar redraws from its own goroutine
	var last atomic.Pointer[domain.TaskStatus]
	last.Store(&domain.TaskStatus{InfoHash: id})

	bar := progress.AddBar(barSteps)
	bar.AppendCompleted()
	bar.PrependFunc(func(*uiprogress.Bar) string {
		return shortHash(id) + " " + last.Load().State.Label()
	})
	bar.AppendFunc(func(*uiprogress.Bar) string {
		cur := last.Load()
		return fmt.Sprintf("%s/s down, %d peers", domain.FormatBytes(cur.DownloadRate), cur.PeerCount)
	})
	bar.AppendElapsed()

	for {
		st := coord.Query(id)
		last.Store(&st)
		if !st.Valid {
			return st, fmt.Errorf("task %s: %w", id, coordinator.ErrNotFound)
		}
		_ = bar.Set(int(st.Progress * barSteps))
		if st.Finished {
			return st, nil
		}
		if err := coord.Pump(ctx, interval); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return st, fmt.Errorf("download interrupted at %.1f%%", st.Progress*100)
			}
			return st, err
		}
	}
}

func runSeed(ctx context.Context, cfg config.Config, logger *logrus.Logger, torrentPath, dir, every string) error {
	interval, err := time.ParseDuration(every)
	if err != nil || interval <= 0 {
		return fmt.Errorf("invalid --interval %q", every)
	}

	coord, err := openCoordinator(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer coord.Close()

	id, err := coord.StartSeeding(ctx, torrentPath, dir)
	if err != nil {
		return err
	}
	logger.WithField("info_hash", id).Infof("seeding %s from %s", torrentPath, dir)
	return seedLoop(ctx, coord, id, cfg.Coordinator.PumpInterval, interval, os.Stdout)
}

// seedLoop pumps events and prints the status dump every interval until ctx
// ends. It fails when the engine drops the task.
func seedLoop(ctx context.Context, coord coordinator.Coordinator, id string, pump, interval time.Duration, out io.Writer) error {
	next := time.Now()
	for {
		if !coord.Has(id) {
			return fmt.Errorf("task %s: %w", id, coordinator.ErrNotFound)
		}
		if !time.Now().Before(next) {
			if err := coord.WriteStatus(out); err != nil {
				return err
			}
			next = time.Now().Add(interval)
		}
		if err := coord.Pump(ctx, pump); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func shortHash(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
