package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"torrentctl/internal/config"
	"torrentctl/internal/coordinator"
	"torrentctl/internal/domain"
	apphttp "torrentctl/internal/http"
	"torrentctl/internal/repository/sqlite"
	"torrentctl/internal/service"
	"torrentctl/internal/storage"
)

func runServe(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := sqlite.OpenStore(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	taskService := service.NewTaskService(store.Tasks, store.Files)
	authService := service.NewAuthService(store.Users, cfg.Auth.JWTSecret, cfg.TokenTTL())
	if authService.Enabled() {
		if n, err := store.Users.Count(ctx); err == nil && n == 0 {
			logger.Warn("auth is enabled but no users exist, add one with `torrentctl useradd`")
		}
	} else {
		logger.Warn("auth.jwtsecret is empty, the API is unauthenticated")
	}

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setup storage: %w", err)
	}
	archiveService := service.NewArchiveService(service.ArchiveConfig{
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
		Logger:    logger,
	}, storageSvc, taskService)

	coord, err := openCoordinator(cfg, logger, taskService)
	if err != nil {
		return err
	}
	defer coord.Close()

	logger.WithField("session_id", taskService.SessionID()).Info("coordinator started")
	if err := restoreTasks(ctx, coord, taskService, logger); err != nil {
		logger.Warnf("restore tasks: %v", err)
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		_ = coord.Run(ctx, cfg.Coordinator.PumpInterval)
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(coord, taskService, archiveService, authService, logger).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel()
			<-pumpDone
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	cancel()
	<-pumpDone

	logger.Info("bye")
	return nil
}

type restorer interface {
	StartDownload(ctx context.Context, descriptorPath, dataRoot string) (string, error)
	StartSeeding(ctx context.Context, descriptorPath, dataRoot string) (string, error)
}

// restoreTasks restarts journal entries that were live when the previous
// serve exited. Entries that cannot be started are marked failed.
func restoreTasks(ctx context.Context, coord restorer, tasks service.TaskService, logger *logrus.Logger) error {
	entries, err := tasks.ListByStatuses(ctx, domain.JournalStatusActive, domain.JournalStatusFinished)
	if err != nil {
		return err
	}

	restored := 0
	for _, entry := range entries {
		log := logger.WithFields(logrus.Fields{
			"info_hash": entry.InfoHash,
			"kind":      entry.Kind,
		})

		start := coord.StartDownload
		if entry.Kind == domain.TaskKindSeed {
			start = coord.StartSeeding
		}
		if _, err := start(ctx, entry.DescriptorPath, entry.DataRoot); err != nil {
			if errors.Is(err, coordinator.ErrAlreadyRunning) {
				continue
			}
			log.Warnf("restore failed: %v", err)
			if err := tasks.TaskFailed(ctx, entry.InfoHash, fmt.Sprintf("restore: %v", err)); err != nil {
				log.Warnf("record restore failure: %v", err)
			}
			continue
		}
		restored++
	}
	logger.Infof("restored %d of %d journal entries", restored, len(entries))
	return nil
}

// buildStorage returns nil when no bucket is configured, which disables
// archiving.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("storage.bucket is empty, archiving disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
