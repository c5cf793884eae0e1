// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"torrentctl/internal/domain"
	"torrentctl/internal/engine"
)

// Removal records one RemoveTask call.
type Removal struct {
	Handle      engine.Handle
	InfoHash    string
	Disposition engine.Disposition
}

// Task is the fake's view of an added task.
type Task struct {
	Handle     engine.Handle
	Descriptor *engine.Descriptor
	DataRoot   string
	Options    engine.AddOptions
	Status     engine.Status
	Valid      bool
}

// Fake is a concurrency safe engine.Engine that keeps everything in memory.
type Fake struct {
	mu          sync.Mutex
	descriptors map[string]*engine.Descriptor
	tasks       map[engine.Handle]*Task
	next        engine.Handle
	events      []engine.Event
	removals    []Removal
	addErr      error
	removeErr   error
	pauseErr    error
	closed      bool
}

func New() *Fake {
	return &Fake{
		descriptors: make(map[string]*engine.Descriptor),
		tasks:       make(map[engine.Handle]*Task),
	}
}

// WriteDescriptor creates a placeholder descriptor file in dir and registers
// its parsed form. It returns the file path.
func (f *Fake) WriteDescriptor(tb testing.TB, dir, name, infoHash string, files ...engine.FileEntry) string {
	tb.Helper()
	path := filepath.Join(dir, name+".torrent")
	if err := os.WriteFile(path, []byte("fake torrent "+infoHash), 0o644); err != nil {
		tb.Fatalf("write descriptor: %v", err)
	}
	if len(files) == 0 {
		files = []engine.FileEntry{{Path: name, Size: 1024}}
	}
	f.mu.Lock()
	f.descriptors[path] = engine.NewDescriptor(path, infoHash, name, files, nil, nil)
	f.mu.Unlock()
	return path
}

func (f *Fake) ParseDescriptor(path string) (*engine.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	desc, ok := f.descriptors[filepath.Clean(path)]
	if !ok {
		return nil, fmt.Errorf("parse %s: not a torrent file", path)
	}
	return desc, nil
}

func (f *Fake) AddTask(desc *engine.Descriptor, dataRoot string, opts engine.AddOptions) (engine.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return 0, f.addErr
	}
	for _, task := range f.tasks {
		if task.Valid && task.Descriptor.InfoHash == desc.InfoHash {
			return 0, engine.ErrDuplicateTask
		}
	}
	f.next++
	state := domain.StateDownloading
	if opts.Seed {
		state = domain.StateCheckingFiles
	}
	f.tasks[f.next] = &Task{
		Handle:     f.next,
		Descriptor: desc,
		DataRoot:   dataRoot,
		Options:    opts,
		Status:     engine.Status{State: state, TotalWanted: desc.TotalSize},
		Valid:      true,
	}
	return f.next, nil
}

func (f *Fake) RemoveTask(h engine.Handle, d engine.Disposition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[h]
	if !ok {
		return engine.ErrInvalidHandle
	}
	delete(f.tasks, h)
	f.removals = append(f.removals, Removal{Handle: h, InfoHash: task.Descriptor.InfoHash, Disposition: d})
	return f.removeErr
}

func (f *Fake) Pause(h engine.Handle) error {
	return f.setPaused(h, true)
}

func (f *Fake) Resume(h engine.Handle) error {
	return f.setPaused(h, false)
}

func (f *Fake) setPaused(h engine.Handle, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[h]
	if !ok || !task.Valid {
		return engine.ErrInvalidHandle
	}
	if f.pauseErr != nil {
		return f.pauseErr
	}
	task.Status.Paused = paused
	return nil
}

func (f *Fake) Status(h engine.Handle) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[h]
	if !ok || !task.Valid {
		return engine.Status{}, engine.ErrInvalidHandle
	}
	return task.Status, nil
}

func (f *Fake) Valid(h engine.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[h]
	return ok && task.Valid
}

func (f *Fake) PopEvents() []engine.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = nil
	return out
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// SetAddError makes every following AddTask fail with err.
func (f *Fake) SetAddError(err error) {
	f.mu.Lock()
	f.addErr = err
	f.mu.Unlock()
}

// SetRemoveError makes RemoveTask report err after removing the task.
func (f *Fake) SetRemoveError(err error) {
	f.mu.Lock()
	f.removeErr = err
	f.mu.Unlock()
}

// SetPauseError makes Pause and Resume fail with err on valid handles.
func (f *Fake) SetPauseError(err error) {
	f.mu.Lock()
	f.pauseErr = err
	f.mu.Unlock()
}

// Retire invalidates the task for infoHash the way an engine does after an
// unrecoverable error.
func (f *Fake) Retire(infoHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.tasks {
		if task.Descriptor.InfoHash == infoHash {
			task.Valid = false
		}
	}
}

// Update mutates the live status of the task for infoHash.
func (f *Fake) Update(infoHash string, fn func(*engine.Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.tasks {
		if task.Descriptor.InfoHash == infoHash {
			fn(&task.Status)
		}
	}
}

// Emit queues events for the next PopEvents call.
func (f *Fake) Emit(events ...engine.Event) {
	f.mu.Lock()
	f.events = append(f.events, events...)
	f.mu.Unlock()
}

// Task returns a copy of the task added for infoHash.
func (f *Fake) Task(infoHash string) (Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.tasks {
		if task.Descriptor.InfoHash == infoHash {
			return *task, true
		}
	}
	return Task{}, false
}

// Removals returns every RemoveTask call seen so far.
func (f *Fake) Removals() []Removal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Removal(nil), f.removals...)
}

// Len reports how many tasks the fake currently holds.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ engine.Engine = (*Fake)(nil)
