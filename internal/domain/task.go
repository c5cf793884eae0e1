package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskKind distinguishes downloading tasks from seeding tasks. It is fixed when
// the task is created.
type TaskKind string

const (
	TaskKindDownload TaskKind = "download"
	TaskKindSeed     TaskKind = "seed"
)

// ParseTaskKind accepts the lowercase names used on the CLI and in the API.
func ParseTaskKind(s string) (TaskKind, error) {
	switch TaskKind(strings.ToLower(strings.TrimSpace(s))) {
	case TaskKindDownload:
		return TaskKindDownload, nil
	case TaskKindSeed, "seeding":
		return TaskKindSeed, nil
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

// LifecycleState mirrors the engine's view of a task.
type LifecycleState string

const (
	StateCheckingFiles       LifecycleState = "checking_files"
	StateDownloadingMetadata LifecycleState = "downloading_metadata"
	StateDownloading         LifecycleState = "downloading"
	StateFinished            LifecycleState = "finished"
	StateSeeding             LifecycleState = "seeding"
	StateCheckingResumeData  LifecycleState = "checking_resume_data"
)

// Label is the human readable form used by status dumps.
func (s LifecycleState) Label() string {
	switch s {
	case StateSeeding:
		return "Seeding"
	case StateFinished:
		return "Finished"
	case StateDownloading:
		return "Downloading"
	case StateCheckingFiles:
		return "Checking Files"
	case StateCheckingResumeData:
		return "Checking Resume Data"
	case StateDownloadingMetadata:
		return "Downloading Metadata"
	}
	return fmt.Sprintf("Other (%s)", string(s))
}

// TaskStatus is an immutable snapshot of one task. A zero value with Valid set
// to false means the task is unknown or its engine handle is gone.
type TaskStatus struct {
	InfoHash       string
	Kind           TaskKind
	DescriptorPath string
	DataRoot       string
	Valid          bool

	State           LifecycleState
	Progress        float64
	TotalSize       int64
	DownloadedBytes int64
	UploadedBytes   int64
	DownloadRate    int64
	UploadRate      int64
	PeerCount       int
	Paused          bool
	Finished        bool
}

// Counts reports how many tasks are registered, in total and per kind.
type Counts struct {
	Total    int
	Download int
	Seed     int
}

// JournalStatus is the persisted lifecycle of a task in the journal.
type JournalStatus string

const (
	JournalStatusActive   JournalStatus = "active"
	JournalStatusStopped  JournalStatus = "stopped"
	JournalStatusFinished JournalStatus = "finished"
	JournalStatusFailed   JournalStatus = "failed"
)

// JournalEntry is the persisted record of a task started by this host.
type JournalEntry struct {
	InfoHash        string
	Kind            TaskKind
	DescriptorPath  string
	DataRoot        string
	Name            string
	TotalSize       int64
	Status          JournalStatus
	ErrorMessage    string
	SessionID       string
	ArchiveLocation string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinishedAt      *time.Time
	ArchivedAt      *time.Time
	Files           []TaskFile
}

// TaskFile captures an individual file listed by a descriptor.
type TaskFile struct {
	ID       int64
	InfoHash string
	Path     string
	Size     int64
}
