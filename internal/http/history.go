package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultURLExpiry = 15 * time.Minute

func (h *Handler) listHistory(c *gin.Context) {
	entries, err := h.tasks.ListEntries(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]HistoryResponse, len(entries))
	for i := range entries {
		resp[i] = entryToResponse(entries[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getHistory(c *gin.Context) {
	entry, err := h.tasks.GetEntry(c.Request.Context(), c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entryToResponse(*entry))
}

func (h *Handler) deleteHistory(c *gin.Context) {
	id := c.Param("hash")
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}

	if h.coord.Has(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "task is still registered, stop it first"})
		return
	}

	entry, err := h.tasks.GetEntry(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	var warnings []string
	if deleteRemote && entry.ArchiveLocation != "" {
		if !h.archive.Enabled() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
			return
		}
		remoteCtx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()
		if err := h.archive.DeleteArchive(remoteCtx, entry.ArchiveLocation); err != nil {
			warnings = append(warnings, fmt.Sprintf("delete remote data: %v", err))
		}
	}

	if err := h.tasks.DeleteEntry(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"deleted": id}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) archiveTask(c *gin.Context) {
	location, err := h.archive.Archive(c.Request.Context(), c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"location": location})
}

func (h *Handler) listObjects(c *gin.Context) {
	objects, err := h.archive.ListObjects(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) objectURL(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	expires := defaultURLExpiry
	if raw := c.Query("expires"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires duration"})
			return
		}
		expires = d
	}

	url, err := h.archive.ObjectURL(c.Request.Context(), key, expires)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": expires.String()})
}
