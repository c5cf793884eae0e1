package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"torrentctl/internal/domain"
)

type startTaskRequest struct {
	Torrent  string `json:"torrent" binding:"required"`
	DataRoot string `json:"data_root" binding:"required"`
}

func (h *Handler) startDownload(c *gin.Context) {
	h.startTask(c, h.coord.StartDownload)
}

func (h *Handler) startSeeding(c *gin.Context) {
	h.startTask(c, h.coord.StartSeeding)
}

func (h *Handler) startTask(c *gin.Context, start func(ctx context.Context, descriptorPath, dataRoot string) (string, error)) {
	var req startTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := start(c.Request.Context(), req.Torrent, req.DataRoot)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, statusToResponse(h.coord.Query(id)))
}

// kindParam reads the optional kind filter. An empty kind means every task.
func kindParam(c *gin.Context) (domain.TaskKind, bool) {
	raw := c.Query("kind")
	if raw == "" {
		return "", true
	}
	kind, err := domain.ParseTaskKind(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return kind, true
}

func (h *Handler) listTasks(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}

	var statuses []domain.TaskStatus
	if kind == "" {
		statuses = h.coord.QueryAll()
	} else {
		statuses = h.coord.QueryByKind(kind)
	}

	resp := make([]TaskResponse, len(statuses))
	for i := range statuses {
		resp[i] = statusToResponse(statuses[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	st := h.coord.Query(c.Param("hash"))
	if !st.Valid {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, statusToResponse(st))
}

func (h *Handler) stopTask(c *gin.Context) {
	id := c.Param("hash")
	if !h.coord.Has(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	resp := gin.H{"stopped": id}
	// the record is gone even when the engine complains about the removal
	if err := h.coord.Stop(c.Request.Context(), id); err != nil {
		if statusFor(err) == http.StatusNotFound {
			writeError(c, err)
			return
		}
		resp["warnings"] = []string{err.Error()}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) stopTasks(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}

	var (
		n   int
		err error
	)
	if kind == "" {
		n, err = h.coord.StopAll(c.Request.Context())
	} else {
		n, err = h.coord.StopAllOfKind(c.Request.Context(), kind)
	}

	resp := gin.H{"stopped": n}
	if err != nil {
		resp["warnings"] = []string{err.Error()}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) pauseTask(c *gin.Context) {
	id := c.Param("hash")
	if err := h.coord.Pause(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusToResponse(h.coord.Query(id)))
}

func (h *Handler) resumeTask(c *gin.Context) {
	id := c.Param("hash")
	if err := h.coord.Resume(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusToResponse(h.coord.Query(id)))
}

func (h *Handler) pauseAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"paused": h.coord.PauseAll()})
}

func (h *Handler) resumeAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resumed": h.coord.ResumeAll()})
}

func (h *Handler) counts(c *gin.Context) {
	counts := h.coord.Counts()
	c.JSON(http.StatusOK, CountsResponse{
		Total:    counts.Total,
		Download: counts.Download,
		Seed:     counts.Seed,
	})
}

// status serves the plain text dump used by the status subcommand.
func (h *Handler) status(c *gin.Context) {
	var buf bytes.Buffer
	var err error
	if id := c.Query("hash"); id != "" {
		err = h.coord.WriteTaskStatus(&buf, id)
	} else {
		err = h.coord.WriteStatus(&buf)
	}
	if err != nil {
		c.String(statusFor(err), fmt.Sprintf("error: %v\n", err))
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}
