// Package engine exposes the narrow set of transfer-engine capabilities the
// coordinator depends on.
package engine

import (
	"errors"

	"torrentctl/internal/domain"
)

// ErrInvalidHandle is returned for handles the engine no longer tracks.
var ErrInvalidHandle = errors.New("invalid task handle")

// ErrDuplicateTask is returned by AddTask when the engine already runs the
// same content.
var ErrDuplicateTask = errors.New("task already present in engine")

// Handle is an opaque reference to one task inside the engine. Zero is never
// a valid handle.
type Handle uint64

// Disposition controls which on-disk data is deleted when a task is removed.
type Disposition int

const (
	KeepAll Disposition = iota
	DropIncomplete
	DropAll
)

func (d Disposition) String() string {
	switch d {
	case KeepAll:
		return "keep_all"
	case DropIncomplete:
		return "drop_incomplete"
	case DropAll:
		return "drop_all"
	}
	return "unknown"
}

// FileEntry is one file listed by a descriptor, relative to the data root.
type FileEntry struct {
	Path string
	Size int64
}

// Descriptor is the parsed form of a transfer descriptor (.torrent file).
type Descriptor struct {
	Path      string
	InfoHash  string
	Name      string
	TotalSize int64
	Files     []FileEntry
	Trackers  []string

	// source is engine specific and only read by the engine that produced it.
	source any
}

// NewDescriptor builds a descriptor carrying an engine specific payload.
func NewDescriptor(path, infoHash, name string, files []FileEntry, trackers []string, source any) *Descriptor {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return &Descriptor{
		Path:      path,
		InfoHash:  infoHash,
		Name:      name,
		TotalSize: total,
		Files:     files,
		Trackers:  trackers,
		source:    source,
	}
}

// Source returns the engine specific payload attached by NewDescriptor.
func (d *Descriptor) Source() any {
	return d.source
}

// AddOptions tunes how a task is added to the engine. AutoManaged lets an
// engine with a download queue schedule the task; Anacrolix has no queue and
// ignores it.
type AddOptions struct {
	Seed             bool
	AutoManaged      bool
	MaxConnections   int
	MaxPriority      bool
	ForceResume      bool
	SkipVerification bool
	Trackers         []string
}

// Status is a live read of one task.
type Status struct {
	State           domain.LifecycleState
	TotalWanted     int64
	TotalWantedDone int64
	TotalUpload     int64
	TotalDownload   int64
	DownloadRate    int64
	UploadRate      int64
	NumPeers        int
	Paused          bool
}

type EventType string

const (
	EventFinished        EventType = "finished"
	EventTrackerAnnounce EventType = "tracker_announce"
	EventTaskError       EventType = "task_error"
	EventFileError       EventType = "file_error"
	EventStateChanged    EventType = "state_changed"
)

// Event is a notification drained from the engine by PopEvents.
type Event struct {
	Type     EventType
	Handle   Handle
	InfoHash string
	Message  string
	Path     string
	State    domain.LifecycleState
}

// Engine is the transfer engine as seen by the coordinator. Implementations
// must be safe for concurrent use.
type Engine interface {
	ParseDescriptor(path string) (*Descriptor, error)
	AddTask(desc *Descriptor, dataRoot string, opts AddOptions) (Handle, error)
	RemoveTask(h Handle, d Disposition) error
	Pause(h Handle) error
	Resume(h Handle) error
	Status(h Handle) (Status, error)
	Valid(h Handle) bool
	PopEvents() []Event
	Close() error
}
