package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/anacrolix/torrent/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"torrentctl/internal/domain"
	"torrentctl/internal/metafile"
)

const (
	infoTimeout   = 5 * time.Second
	minRateBurst  = 256 << 10
	rateSampleMin = time.Second
)

// Config holds the engine wide settings applied to the anacrolix client.
type Config struct {
	DataDir                 string
	ListenHost              string
	ListenPort              int
	NoDHT                   bool
	DisableTrackers         bool
	NoDefaultPortForwarding bool
	Seed                    bool
	UploadRateLimit         int64
	DownloadRateLimit       int64
	Logger                  *logrus.Logger
}

// Anacrolix runs tasks on a single github.com/anacrolix/torrent client.
type Anacrolix struct {
	cfg        Config
	client     *torrent.Client
	completion storage.PieceCompletion

	mu     sync.Mutex
	next   Handle
	tasks  map[Handle]*anacrolixTask
	events []Event
}

type anacrolixTask struct {
	handle   Handle
	t        *torrent.Torrent
	desc     *Descriptor
	dataRoot string
	seed     bool

	paused    bool
	verifying bool
	closed    bool
	lastState domain.LifecycleState

	sampledAt   time.Time
	lastRead    int64
	lastWritten int64
	downRate    int64
	upRate      int64
}

// NewAnacrolix starts an anacrolix client configured from cfg.
func NewAnacrolix(cfg Config) (*Anacrolix, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "torrentctl")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create engine data dir: %w", err)
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.Seed = cfg.Seed
	clientConfig.NoUpload = false
	clientConfig.NoDHT = cfg.NoDHT
	clientConfig.DisableTrackers = cfg.DisableTrackers
	clientConfig.NoDefaultPortForwarding = cfg.NoDefaultPortForwarding
	clientConfig.ListenPort = cfg.ListenPort
	if cfg.ListenHost != "" {
		host := cfg.ListenHost
		clientConfig.ListenHost = func(string) string { return host }
	}
	if cfg.UploadRateLimit > 0 {
		clientConfig.UploadRateLimiter = newLimiter(cfg.UploadRateLimit)
	}
	if cfg.DownloadRateLimit > 0 {
		clientConfig.DownloadRateLimiter = newLimiter(cfg.DownloadRateLimit)
	}

	completion, err := storage.NewDefaultPieceCompletionForDir(cfg.DataDir)
	if err != nil {
		cfg.Logger.Warnf("piece completion store unavailable, using memory: %v", err)
		completion = storage.NewMapPieceCompletion()
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		_ = completion.Close()
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"data_dir":    cfg.DataDir,
		"listen_port": cfg.ListenPort,
		"dht":         !cfg.NoDHT,
	}).Info("torrent engine started")

	return &Anacrolix{
		cfg:        cfg,
		client:     client,
		completion: completion,
		tasks:      make(map[Handle]*anacrolixTask),
	}, nil
}

func newLimiter(bytesPerSecond int64) *rate.Limiter {
	burst := int(bytesPerSecond)
	if burst < minRateBurst {
		burst = minRateBurst
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// ParseDescriptor loads a .torrent file.
func (e *Anacrolix) ParseDescriptor(path string) (*Descriptor, error) {
	mi, info, err := metafile.Load(path)
	if err != nil {
		return nil, err
	}
	files := metafile.Files(info)
	entries := make([]FileEntry, len(files))
	for i, f := range files {
		entries[i] = FileEntry{Path: f.Path, Size: f.Size}
	}
	return NewDescriptor(path, mi.HashInfoBytes().HexString(), info.BestName(), entries, metafile.Trackers(mi), mi), nil
}

// AddTask adds desc to the client with its data stored under dataRoot.
func (e *Anacrolix) AddTask(desc *Descriptor, dataRoot string, opts AddOptions) (Handle, error) {
	if desc == nil {
		return 0, errors.New("descriptor is required")
	}
	mi, ok := desc.Source().(*metainfo.MetaInfo)
	if !ok {
		return 0, errors.New("descriptor was not produced by this engine")
	}
	spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
	if err != nil {
		return 0, fmt.Errorf("build torrent spec: %w", err)
	}
	spec.Storage = storage.NewFileWithCompletion(dataRoot, e.completion)
	for _, tr := range opts.Trackers {
		spec.Trackers = append(spec.Trackers, []string{tr})
	}

	t, isNew, err := e.client.AddTorrentSpec(spec)
	if err != nil {
		return 0, fmt.Errorf("add torrent: %w", err)
	}
	if !isNew {
		return 0, ErrDuplicateTask
	}

	select {
	case <-t.GotInfo():
	case <-time.After(infoTimeout):
		t.Drop()
		return 0, errors.New("torrent info not available")
	}

	if opts.MaxConnections > 0 {
		t.SetMaxEstablishedConns(opts.MaxConnections)
	}
	if opts.MaxPriority {
		for _, f := range t.Files() {
			f.SetPriority(types.PiecePriorityNow)
		}
	}
	if !opts.Seed {
		t.DownloadAll()
	}
	if opts.ForceResume {
		t.AllowDataDownload()
		t.AllowDataUpload()
	}

	e.mu.Lock()
	e.next++
	task := &anacrolixTask{
		handle:    e.next,
		t:         t,
		desc:      desc,
		dataRoot:  dataRoot,
		seed:      opts.Seed,
		verifying: opts.Seed && !opts.SkipVerification,
		sampledAt: time.Now(),
	}
	e.tasks[task.handle] = task
	if trackers := len(spec.Trackers); trackers > 0 && !e.cfg.DisableTrackers {
		e.events = append(e.events, Event{
			Type:     EventTrackerAnnounce,
			Handle:   task.handle,
			InfoHash: desc.InfoHash,
			Message:  fmt.Sprintf("announcing to %d tracker tiers", trackers),
		})
	}
	e.mu.Unlock()

	if task.verifying {
		go e.verify(task)
	}
	return task.handle, nil
}

func (e *Anacrolix) verify(task *anacrolixTask) {
	if err := task.t.VerifyDataContext(context.Background()); err != nil {
		e.cfg.Logger.WithField("info_hash", task.desc.InfoHash).Warnf("verify data: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	task.verifying = false
	if task.closed || isClosed(task.t) {
		return
	}
	files := task.t.Files()
	for i, f := range files {
		if f.BytesCompleted() >= f.Length() || i >= len(task.desc.Files) {
			continue
		}
		e.events = append(e.events, Event{
			Type:     EventFileError,
			Handle:   task.handle,
			InfoHash: task.desc.InfoHash,
			Path:     filepath.Join(task.dataRoot, filepath.FromSlash(task.desc.Files[i].Path)),
			Message:  fmt.Sprintf("incomplete data: %d of %d bytes verified", f.BytesCompleted(), f.Length()),
		})
	}
}

// RemoveTask drops the task and deletes data according to d.
func (e *Anacrolix) RemoveTask(h Handle, d Disposition) error {
	e.mu.Lock()
	task, ok := e.tasks[h]
	if ok {
		task.closed = true
		delete(e.tasks, h)
	}
	e.mu.Unlock()
	if !ok {
		return ErrInvalidHandle
	}

	// File storage writes pieces in place, so DropIncomplete only clears
	// files that hold no verified bytes.
	var doomed []string
	if d != KeepAll {
		files := task.t.Files()
		for i, entry := range task.desc.Files {
			if d == DropIncomplete && (i >= len(files) || files[i].BytesCompleted() > 0) {
				continue
			}
			doomed = append(doomed, filepath.Join(task.dataRoot, filepath.FromSlash(entry.Path)))
		}
	}

	task.t.Drop()

	var errs []error
	for _, path := range doomed {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removeEmptyParents(task.dataRoot, filepath.Dir(path))
	}
	return errors.Join(errs...)
}

// removeEmptyParents removes empty directories from dir up to, but excluding, root.
func removeEmptyParents(root, dir string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root; dir = filepath.Dir(dir) {
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

func (e *Anacrolix) Pause(h Handle) error {
	task, err := e.live(h)
	if err != nil {
		return err
	}
	task.t.DisallowDataDownload()
	task.t.DisallowDataUpload()
	e.mu.Lock()
	task.paused = true
	e.mu.Unlock()
	return nil
}

func (e *Anacrolix) Resume(h Handle) error {
	task, err := e.live(h)
	if err != nil {
		return err
	}
	task.t.AllowDataDownload()
	task.t.AllowDataUpload()
	e.mu.Lock()
	task.paused = false
	e.mu.Unlock()
	return nil
}

func (e *Anacrolix) Status(h Handle) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[h]
	if !ok || isClosed(task.t) {
		return Status{}, ErrInvalidHandle
	}

	st := Status{
		State:  e.stateOf(task),
		Paused: task.paused,
	}
	if info := task.t.Info(); info != nil {
		st.TotalWanted = info.TotalLength()
		st.TotalWantedDone = task.t.BytesCompleted()
	}

	stats := task.t.Stats()
	read := stats.BytesReadData.Int64()
	written := stats.BytesWrittenData.Int64()
	if elapsed := time.Since(task.sampledAt); elapsed >= rateSampleMin {
		task.downRate = int64(float64(read-task.lastRead) / elapsed.Seconds())
		task.upRate = int64(float64(written-task.lastWritten) / elapsed.Seconds())
		task.lastRead, task.lastWritten = read, written
		task.sampledAt = time.Now()
	}
	st.TotalDownload = read
	st.TotalUpload = written
	st.DownloadRate = task.downRate
	st.UploadRate = task.upRate
	st.NumPeers = stats.ActivePeers
	return st, nil
}

func (e *Anacrolix) Valid(h Handle) bool {
	_, err := e.live(h)
	return err == nil
}

// PopEvents returns queued events plus the state transitions observed since
// the previous call.
func (e *Anacrolix) PopEvents() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.events
	e.events = nil
	for h, task := range e.tasks {
		if task.closed {
			continue
		}
		if isClosed(task.t) {
			task.closed = true
			delete(e.tasks, h)
			out = append(out, Event{
				Type:     EventTaskError,
				Handle:   h,
				InfoHash: task.desc.InfoHash,
				Message:  "torrent closed by engine",
			})
			continue
		}
		state := e.stateOf(task)
		if state == task.lastState {
			continue
		}
		out = append(out, Event{Type: EventStateChanged, Handle: h, InfoHash: task.desc.InfoHash, State: state})
		if isComplete(state) && !isComplete(task.lastState) {
			out = append(out, Event{Type: EventFinished, Handle: h, InfoHash: task.desc.InfoHash, State: state})
		}
		task.lastState = state
	}
	return out
}

// Close drops every task without deleting data and shuts the client down.
func (e *Anacrolix) Close() error {
	e.mu.Lock()
	tasks := e.tasks
	e.tasks = make(map[Handle]*anacrolixTask)
	e.mu.Unlock()

	for _, task := range tasks {
		task.t.Drop()
	}
	e.client.Close()
	if err := e.completion.Close(); err != nil {
		return fmt.Errorf("close piece completion: %w", err)
	}
	e.cfg.Logger.Info("torrent engine stopped")
	return nil
}

func (e *Anacrolix) live(h Handle) (*anacrolixTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[h]
	if !ok || task.closed || isClosed(task.t) {
		return nil, ErrInvalidHandle
	}
	return task, nil
}

// stateOf must be called with e.mu held.
func (e *Anacrolix) stateOf(task *anacrolixTask) domain.LifecycleState {
	if task.verifying {
		return domain.StateCheckingFiles
	}
	if task.t.Info() == nil {
		return domain.StateDownloadingMetadata
	}
	if task.t.BytesMissing() > 0 {
		return domain.StateDownloading
	}
	if task.t.Seeding() {
		return domain.StateSeeding
	}
	return domain.StateFinished
}

func isComplete(s domain.LifecycleState) bool {
	return s == domain.StateSeeding || s == domain.StateFinished
}

func isClosed(t *torrent.Torrent) bool {
	select {
	case <-t.Closed():
		return true
	default:
		return false
	}
}

var _ Engine = (*Anacrolix)(nil)
