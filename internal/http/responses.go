package http

import (
	"time"

	"torrentctl/internal/domain"
	"torrentctl/internal/storage"
)

type TaskResponse struct {
	InfoHash        string  `json:"info_hash"`
	Kind            string  `json:"kind"`
	DescriptorPath  string  `json:"descriptor_path"`
	DataRoot        string  `json:"data_root"`
	Valid           bool    `json:"valid"`
	State           string  `json:"state"`
	StateLabel      string  `json:"state_label"`
	Progress        float64 `json:"progress"`
	TotalSize       int64   `json:"total_size"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	UploadedBytes   int64   `json:"uploaded_bytes"`
	DownloadRate    int64   `json:"download_rate"`
	UploadRate      int64   `json:"upload_rate"`
	Peers           int     `json:"peers"`
	Paused          bool    `json:"paused"`
	Finished        bool    `json:"finished"`
}

type CountsResponse struct {
	Total    int `json:"total"`
	Download int `json:"download"`
	Seed     int `json:"seed"`
}

type HistoryResponse struct {
	InfoHash        string             `json:"info_hash"`
	Kind            string             `json:"kind"`
	DescriptorPath  string             `json:"descriptor_path"`
	DataRoot        string             `json:"data_root"`
	Name            string             `json:"name"`
	TotalSize       int64              `json:"total_size"`
	Status          string             `json:"status"`
	ErrorMessage    string             `json:"error_message"`
	SessionID       string             `json:"session_id"`
	ArchiveLocation string             `json:"archive_location"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
	FinishedAt      *string            `json:"finished_at,omitempty"`
	ArchivedAt      *string            `json:"archived_at,omitempty"`
	Files           []TaskFileResponse `json:"files"`
}

type TaskFileResponse struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func statusToResponse(st domain.TaskStatus) TaskResponse {
	resp := TaskResponse{
		InfoHash:        st.InfoHash,
		Kind:            string(st.Kind),
		DescriptorPath:  st.DescriptorPath,
		DataRoot:        st.DataRoot,
		Valid:           st.Valid,
		State:           string(st.State),
		Progress:        st.Progress,
		TotalSize:       st.TotalSize,
		DownloadedBytes: st.DownloadedBytes,
		UploadedBytes:   st.UploadedBytes,
		DownloadRate:    st.DownloadRate,
		UploadRate:      st.UploadRate,
		Peers:           st.PeerCount,
		Paused:          st.Paused,
		Finished:        st.Finished,
	}
	if st.Valid {
		resp.StateLabel = st.State.Label()
	}
	return resp
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func entryToResponse(entry domain.JournalEntry) HistoryResponse {
	resp := HistoryResponse{
		InfoHash:        entry.InfoHash,
		Kind:            string(entry.Kind),
		DescriptorPath:  entry.DescriptorPath,
		DataRoot:        entry.DataRoot,
		Name:            entry.Name,
		TotalSize:       entry.TotalSize,
		Status:          string(entry.Status),
		ErrorMessage:    entry.ErrorMessage,
		SessionID:       entry.SessionID,
		ArchiveLocation: entry.ArchiveLocation,
		CreatedAt:       entry.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       entry.UpdatedAt.Format(time.RFC3339),
		Files:           make([]TaskFileResponse, len(entry.Files)),
	}
	if entry.FinishedAt != nil {
		v := entry.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &v
	}
	if entry.ArchivedAt != nil {
		v := entry.ArchivedAt.Format(time.RFC3339)
		resp.ArchivedAt = &v
	}

	for i := range entry.Files {
		resp.Files[i] = TaskFileResponse{
			ID:   entry.Files[i].ID,
			Path: entry.Files[i].Path,
			Size: entry.Files[i].Size,
		}
	}
	return resp
}
