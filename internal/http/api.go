package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"torrentctl/internal/coordinator"
	"torrentctl/internal/repository"
	"torrentctl/internal/service"
)

const requestIDHeader = "X-Request-ID"

// Handler wires HTTP routes to the coordinator and the journal services.
type Handler struct {
	coord   coordinator.Coordinator
	tasks   service.TaskService
	archive service.ArchiveService
	auth    service.AuthService
	logger  *logrus.Logger
}

// NewHandler builds the API handler. archive and auth may be nil, which
// disables archiving and token checks respectively.
func NewHandler(coord coordinator.Coordinator, tasks service.TaskService, archive service.ArchiveService, auth service.AuthService, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	if archive == nil {
		archive = service.NewArchiveService(service.ArchiveConfig{Logger: logger}, nil, tasks)
	}
	return &Handler{
		coord:   coord,
		tasks:   tasks,
		archive: archive,
		auth:    auth,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestIDMiddleware(), h.loggingMiddleware(), corsMiddleware())

	api := router.Group("/api")
	api.POST("/login", h.login)
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok", "tasks": h.coord.Counts().Total})
	})

	protected := api.Group("", h.authMiddleware())
	{
		protected.POST("/tasks/download", h.startDownload)
		protected.POST("/tasks/seed", h.startSeeding)
		protected.GET("/tasks", h.listTasks)
		protected.DELETE("/tasks", h.stopTasks)
		protected.POST("/tasks/pause", h.pauseAll)
		protected.POST("/tasks/resume", h.resumeAll)
		protected.GET("/tasks/:hash", h.getTask)
		protected.DELETE("/tasks/:hash", h.stopTask)
		protected.POST("/tasks/:hash/pause", h.pauseTask)
		protected.POST("/tasks/:hash/resume", h.resumeTask)
		protected.POST("/tasks/:hash/archive", h.archiveTask)
		protected.GET("/counts", h.counts)
		protected.GET("/status", h.status)

		protected.GET("/history", h.listHistory)
		protected.GET("/history/:hash", h.getHistory)
		protected.DELETE("/history/:hash", h.deleteHistory)

		protected.GET("/archive/objects", h.listObjects)
		protected.GET("/archive/url", h.objectURL)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, "+requestIDHeader)
		c.Writer.Header().Set("Access-Control-Expose-Headers", requestIDHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

func (h *Handler) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := h.logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start),
		})
		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.String())
			return
		}
		entry.Debug("request served")
	}
}

// writeError maps coordinator and service failures onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrAlreadyRunning), errors.Is(err, service.ErrNotFinished):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrEngineRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrEngineUnavailable),
		errors.Is(err, service.ErrArchiveDisabled),
		errors.Is(err, service.ErrAuthDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
