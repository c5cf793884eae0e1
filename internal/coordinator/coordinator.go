// Package coordinator runs many transfer tasks on one shared engine and keeps
// a registry of them keyed by info hash.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"torrentctl/internal/domain"
	"torrentctl/internal/engine"
)

// Coordinator is the only entry point that mutates the shared engine. Every
// method is safe for concurrent use.
type Coordinator interface {
	StartDownload(ctx context.Context, descriptorPath, dataRoot string) (string, error)
	StartSeeding(ctx context.Context, descriptorPath, dataRoot string) (string, error)
	Stop(ctx context.Context, id string) error
	StopAll(ctx context.Context) (int, error)
	StopAllOfKind(ctx context.Context, kind domain.TaskKind) (int, error)
	Pause(id string) error
	Resume(id string) error
	PauseAll() int
	ResumeAll() int
	Query(id string) domain.TaskStatus
	QueryAll() []domain.TaskStatus
	QueryByKind(kind domain.TaskKind) []domain.TaskStatus
	Counts() domain.Counts
	Has(id string) bool
	Pump(ctx context.Context, timeout time.Duration) error
	Run(ctx context.Context, interval time.Duration) error
	WriteStatus(w io.Writer) error
	WriteTaskStatus(w io.Writer, id string) error
	Close() error
}

// Journal receives lifecycle notifications after the registry changed. Errors
// are logged and never alter the outcome of the coordinator call.
type Journal interface {
	TaskStarted(ctx context.Context, entry domain.JournalEntry) error
	TaskStopped(ctx context.Context, infoHash string) error
	TaskFinished(ctx context.Context, infoHash string) error
	TaskFailed(ctx context.Context, infoHash, reason string) error
}

type Config struct {
	LargeObjectThreshold int64
	SettleDelay          time.Duration
	PumpInterval         time.Duration
	LargeObjectConns     int
	DefaultConns         int
	Trackers             []string
	Logger               *logrus.Logger
	Journal              Journal
}

const (
	DefaultLargeObjectThreshold = 50 << 30
	DefaultSettleDelay          = 500 * time.Millisecond
	DefaultPumpInterval         = time.Second
	DefaultLargeObjectConns     = 200
	DefaultConns                = 50
)

type coordinator struct {
	cfg     Config
	eng     engine.Engine
	journal Journal
	logger  *logrus.Logger

	mu     sync.Mutex
	reg    *registry
	closed bool
}

// New builds a coordinator around an already running engine.
func New(cfg Config, eng engine.Engine) (Coordinator, error) {
	if eng == nil {
		return nil, fmt.Errorf("create coordinator: %w", ErrEngineUnavailable)
	}
	if cfg.LargeObjectThreshold <= 0 {
		cfg.LargeObjectThreshold = DefaultLargeObjectThreshold
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = DefaultPumpInterval
	}
	if cfg.LargeObjectConns <= 0 {
		cfg.LargeObjectConns = DefaultLargeObjectConns
	}
	if cfg.DefaultConns <= 0 {
		cfg.DefaultConns = DefaultConns
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &coordinator{
		cfg:     cfg,
		eng:     eng,
		journal: cfg.Journal,
		logger:  cfg.Logger,
		reg:     newRegistry(),
	}, nil
}

// Open starts an engine with newEngine and wraps it in a coordinator.
func Open(cfg Config, newEngine func() (engine.Engine, error)) (Coordinator, error) {
	eng, err := newEngine()
	if err != nil {
		return nil, fmt.Errorf("start engine: %w: %w", ErrEngineUnavailable, err)
	}
	return New(cfg, eng)
}

func (c *coordinator) StartDownload(ctx context.Context, descriptorPath, dataRoot string) (string, error) {
	return c.start(ctx, domain.TaskKindDownload, descriptorPath, dataRoot)
}

func (c *coordinator) StartSeeding(ctx context.Context, descriptorPath, dataRoot string) (string, error) {
	return c.start(ctx, domain.TaskKindSeed, descriptorPath, dataRoot)
}

func (c *coordinator) start(ctx context.Context, kind domain.TaskKind, descriptorPath, dataRoot string) (string, error) {
	pol := policyFor(kind)
	descriptorPath = normalizePath(descriptorPath)
	dataRoot = normalizePath(dataRoot)

	if err := checkDescriptor(descriptorPath); err != nil {
		return "", err
	}
	missing, err := checkDataRoot(dataRoot, pol.createDataRoot)
	if err != nil {
		return "", err
	}

	desc, err := c.eng.ParseDescriptor(descriptorPath)
	if err != nil {
		return "", fmt.Errorf("parse descriptor %s: %w: %w", descriptorPath, ErrInvalidPath, err)
	}
	logger := c.logger.WithFields(logrus.Fields{
		"info_hash": desc.InfoHash,
		"kind":      kind,
	})

	contentPresent := false
	if pol.checkContent {
		var expected string
		expected, contentPresent = firstFilePresent(desc, dataRoot)
		if !contentPresent {
			logger.WithFields(logrus.Fields{
				"data_root": dataRoot,
				"expected":  expected,
			}).Warn("first file not found under data root, the engine will verify what is there")
		}
	}
	opts := c.addOptions(kind, desc, contentPresent)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("start %s: %w", desc.InfoHash, ErrEngineUnavailable)
	}
	if _, ok := c.reg.get(desc.InfoHash); ok {
		c.mu.Unlock()
		return "", fmt.Errorf("start %s: %w", desc.InfoHash, ErrAlreadyRunning)
	}
	undo := func() {}
	if missing {
		if undo, err = makeDataRoot(dataRoot); err != nil {
			c.mu.Unlock()
			return "", err
		}
	}
	h, err := c.eng.AddTask(desc, dataRoot, opts)
	if err != nil {
		undo()
		c.mu.Unlock()
		if errors.Is(err, engine.ErrDuplicateTask) {
			return "", fmt.Errorf("start %s: %w: %w", desc.InfoHash, ErrAlreadyRunning, err)
		}
		return "", fmt.Errorf("start %s: %w: %w", desc.InfoHash, ErrEngineRejected, err)
	}
	c.reg.insert(&record{
		id:             desc.InfoHash,
		kind:           kind,
		descriptorPath: descriptorPath,
		dataRoot:       dataRoot,
		handle:         h,
		valid:          true,
	})
	c.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"name":       desc.Name,
		"size":       domain.FormatBytes(desc.TotalSize),
		"data_root":  dataRoot,
		"large":      c.isLarge(desc),
		"max_conns":  opts.MaxConnections,
		"skip_check": opts.SkipVerification,
	}).Info("task started")

	if c.journal != nil {
		if err := c.journal.TaskStarted(ctx, journalEntry(kind, desc, descriptorPath, dataRoot)); err != nil {
			logger.Warnf("journal task start: %v", err)
		}
	}

	c.settle(ctx)
	return desc.InfoHash, nil
}

// settle gives the engine a moment to populate its first status.
func (c *coordinator) settle(ctx context.Context) {
	if c.cfg.SettleDelay <= 0 {
		return
	}
	timer := time.NewTimer(c.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *coordinator) Stop(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("stop %s: %w", id, ErrEngineUnavailable)
	}
	rec, ok := c.reg.remove(id)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	err := c.detach(rec, policyFor(rec.kind).disposition)
	c.mu.Unlock()

	c.journalStopped(ctx, id)
	if err != nil {
		return fmt.Errorf("stop %s: %w: %w", id, ErrEngineRejected, err)
	}
	return nil
}

func (c *coordinator) StopAll(ctx context.Context) (int, error) {
	return c.stopMatching(ctx, "")
}

func (c *coordinator) StopAllOfKind(ctx context.Context, kind domain.TaskKind) (int, error) {
	if _, ok := policies[kind]; !ok {
		return 0, fmt.Errorf("stop all: unknown task kind %q", kind)
	}
	return c.stopMatching(ctx, kind)
}

func (c *coordinator) stopMatching(ctx context.Context, kind domain.TaskKind) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, fmt.Errorf("stop all: %w", ErrEngineUnavailable)
	}
	recs := c.reg.list(kind)
	var errs []error
	for _, rec := range recs {
		c.reg.remove(rec.id)
		if err := c.detach(rec, policyFor(rec.kind).disposition); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w: %w", rec.id, ErrEngineRejected, err))
		}
	}
	c.mu.Unlock()

	for _, rec := range recs {
		c.journalStopped(ctx, rec.id)
	}
	return len(recs), errors.Join(errs...)
}

// detach removes rec from the engine. A handle the engine already retired
// counts as removed. Must be called with c.mu held.
func (c *coordinator) detach(rec *record, d engine.Disposition) error {
	logger := c.logger.WithFields(logrus.Fields{
		"info_hash":   rec.id,
		"kind":        rec.kind,
		"disposition": d,
	})
	err := c.eng.RemoveTask(rec.handle, d)
	switch {
	case err == nil:
		logger.Info("task stopped")
		return nil
	case errors.Is(err, engine.ErrInvalidHandle):
		logger.Debug("task already gone from engine")
		return nil
	default:
		logger.Errorf("remove task from engine: %v", err)
		return err
	}
}

func (c *coordinator) journalStopped(ctx context.Context, id string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.TaskStopped(ctx, id); err != nil {
		c.logger.WithField("info_hash", id).Warnf("journal task stop: %v", err)
	}
}

func (c *coordinator) Pause(id string) error {
	return c.toggle(id, "pause", c.eng.Pause)
}

func (c *coordinator) Resume(id string) error {
	return c.toggle(id, "resume", c.eng.Resume)
}

func (c *coordinator) toggle(id, verb string, op func(engine.Handle) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%s %s: %w", verb, id, ErrEngineUnavailable)
	}
	rec, ok := c.reg.get(id)
	if !ok || !rec.valid {
		return fmt.Errorf("%s %s: %w", verb, id, ErrNotFound)
	}
	if !c.eng.Valid(rec.handle) {
		rec.valid = false
		return fmt.Errorf("%s %s: %w", verb, id, ErrNotFound)
	}
	if err := op(rec.handle); err != nil {
		if errors.Is(err, engine.ErrInvalidHandle) {
			rec.valid = false
			return fmt.Errorf("%s %s: %w", verb, id, ErrNotFound)
		}
		c.logger.WithField("info_hash", id).Errorf("%s task: %v", verb, err)
		return fmt.Errorf("%s %s: %w: %w", verb, id, ErrEngineRejected, err)
	}
	c.logger.WithField("info_hash", id).Debugf("task %s requested", verb)
	return nil
}

func (c *coordinator) PauseAll() int {
	return c.toggleAll("pause", c.eng.Pause)
}

func (c *coordinator) ResumeAll() int {
	return c.toggleAll("resume", c.eng.Resume)
}

// toggleAll applies op to every valid record and reports how many succeeded.
// A closed coordinator has nothing to toggle.
func (c *coordinator) toggleAll(verb string, op func(engine.Handle) error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	n := 0
	for _, rec := range c.reg.list("") {
		if !rec.valid {
			continue
		}
		if err := op(rec.handle); err != nil {
			if errors.Is(err, engine.ErrInvalidHandle) {
				rec.valid = false
			}
			c.logger.WithField("info_hash", rec.id).Debugf("%s task skipped: %v", verb, err)
			continue
		}
		n++
	}
	return n
}

func (c *coordinator) Query(id string) domain.TaskStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.reg.get(id)
	if !ok {
		return invalidStatus(id)
	}
	return c.read(rec)
}

func (c *coordinator) QueryAll() []domain.TaskStatus {
	return c.QueryByKind("")
}

// QueryByKind returns snapshots of the live tasks of kind, in start order. An
// empty kind matches every task.
func (c *coordinator) QueryByKind(kind domain.TaskKind) []domain.TaskStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	recs := c.reg.list(kind)
	out := make([]domain.TaskStatus, 0, len(recs))
	for _, rec := range recs {
		if st := c.read(rec); st.Valid {
			out = append(out, st)
		}
	}
	return out
}

// read must be called with c.mu held. A failed status read marks the record
// invalid so the next pump drops it.
func (c *coordinator) read(rec *record) domain.TaskStatus {
	if !rec.valid {
		return invalidStatus(rec.id)
	}
	st, err := c.eng.Status(rec.handle)
	if err != nil {
		rec.valid = false
		c.logger.WithField("info_hash", rec.id).Debugf("status read failed: %v", err)
	}
	return project(rec, st, err)
}

func (c *coordinator) Counts() domain.Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.counts()
}

func (c *coordinator) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.reg.get(id)
	return ok
}

// Close detaches every task without touching its data and shuts the engine
// down. The coordinator is unusable afterwards.
func (c *coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	recs := c.reg.list("")
	for _, rec := range recs {
		c.reg.remove(rec.id)
		_ = c.detach(rec, engine.KeepAll)
	}
	c.mu.Unlock()

	if err := c.eng.Close(); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	c.logger.WithField("tasks", len(recs)).Info("coordinator closed")
	return nil
}

func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(filepath.FromSlash(p))
}

func checkDescriptor(path string) error {
	if path == "" {
		return fmt.Errorf("descriptor path is empty: %w", ErrInvalidPath)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat descriptor %s: %w: %w", path, ErrInvalidPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("descriptor %s is a directory: %w", path, ErrInvalidPath)
	}
	return nil
}

// checkDataRoot validates dir and reports whether it still has to be created.
func checkDataRoot(dir string, create bool) (bool, error) {
	if dir == "" {
		return false, fmt.Errorf("data root is empty: %w", ErrInvalidPath)
	}
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return false, fmt.Errorf("data root %s is not a directory: %w", dir, ErrInvalidPath)
	case err == nil:
		return false, nil
	case !os.IsNotExist(err):
		return false, fmt.Errorf("stat data root %s: %w: %w", dir, ErrIO, err)
	case !create:
		return false, fmt.Errorf("data root %s does not exist: %w", dir, ErrInvalidPath)
	}
	return true, nil
}

// makeDataRoot creates dir and returns a func that removes the directories it
// created, as long as they are still empty.
func makeDataRoot(dir string) (func(), error) {
	if _, err := os.Stat(dir); err == nil {
		return func() {}, nil
	}
	top := dir
	for {
		parent := filepath.Dir(top)
		if parent == top {
			break
		}
		if _, err := os.Stat(parent); err == nil {
			break
		}
		top = parent
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data root %s: %w: %w", dir, ErrIO, err)
	}
	return func() {
		for d := dir; ; d = filepath.Dir(d) {
			if os.Remove(d) != nil || d == top {
				return
			}
		}
	}, nil
}

func journalEntry(kind domain.TaskKind, desc *engine.Descriptor, descriptorPath, dataRoot string) domain.JournalEntry {
	files := make([]domain.TaskFile, len(desc.Files))
	for i, f := range desc.Files {
		files[i] = domain.TaskFile{InfoHash: desc.InfoHash, Path: f.Path, Size: f.Size}
	}
	return domain.JournalEntry{
		InfoHash:       desc.InfoHash,
		Kind:           kind,
		DescriptorPath: descriptorPath,
		DataRoot:       dataRoot,
		Name:           desc.Name,
		TotalSize:      desc.TotalSize,
		Status:         domain.JournalStatusActive,
		Files:          files,
	}
}
