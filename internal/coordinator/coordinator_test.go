package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"torrentctl/internal/domain"
	"torrentctl/internal/engine"
	"torrentctl/internal/engine/enginetest"
)

type mockJournal struct {
	mock.Mock
}

func (m *mockJournal) TaskStarted(ctx context.Context, entry domain.JournalEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *mockJournal) TaskStopped(ctx context.Context, infoHash string) error {
	return m.Called(ctx, infoHash).Error(0)
}

func (m *mockJournal) TaskFinished(ctx context.Context, infoHash string) error {
	return m.Called(ctx, infoHash).Error(0)
}

func (m *mockJournal) TaskFailed(ctx context.Context, infoHash, reason string) error {
	return m.Called(ctx, infoHash, reason).Error(0)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupTestCoordinator(t *testing.T, mutate ...func(*Config)) (*coordinator, *enginetest.Fake) {
	t.Helper()
	fake := enginetest.New()
	cfg := Config{
		SettleDelay: -1,
		Logger:      quietLogger(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	c, err := New(cfg, fake)
	require.NoError(t, err)
	return c.(*coordinator), fake
}

func hashOf(n int) string {
	return fmt.Sprintf("%040x", n)
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.True(t, errors.Is(err, ErrEngineUnavailable))
}

func TestOpenWrapsEngineFailure(t *testing.T) {
	boom := errors.New("listen: address in use")
	_, err := Open(Config{}, func() (engine.Engine, error) { return nil, boom })
	assert.True(t, errors.Is(err, ErrEngineUnavailable))
	assert.True(t, errors.Is(err, boom))

	c, err := Open(Config{Logger: quietLogger()}, func() (engine.Engine, error) { return enginetest.New(), nil })
	require.NoError(t, err)
	assert.Equal(t, domain.Counts{}, c.Counts())
}

func TestStartDownloadRegistersTask(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "movie", hashOf(1))
	target := filepath.Join(dir, "out", "nested")

	id, err := c.StartDownload(context.Background(), desc, target)
	require.NoError(t, err)
	assert.Equal(t, hashOf(1), id)

	info, err := os.Stat(target)
	require.NoError(t, err, "download data root is created")
	assert.True(t, info.IsDir())

	all := c.QueryAll()
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].InfoHash)
	assert.Equal(t, domain.TaskKindDownload, all[0].Kind)
	assert.Equal(t, desc, all[0].DescriptorPath)
	assert.Equal(t, target, all[0].DataRoot)

	st := c.Query(id)
	assert.True(t, st.Valid)
	assert.False(t, st.Paused)
	assert.False(t, st.Finished)
	assert.Equal(t, 0.0, st.Progress)
	assert.Equal(t, domain.StateDownloading, st.State)

	task, ok := fake.Task(id)
	require.True(t, ok)
	assert.Equal(t, target, task.DataRoot)
	assert.False(t, task.Options.Seed)
	assert.True(t, task.Options.AutoManaged)
	assert.Equal(t, DefaultConns, task.Options.MaxConnections)
}

func TestStartSeedingRequiresExistingDataRoot(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "album", hashOf(2))
	missing := filepath.Join(dir, "nope")

	_, err := c.StartSeeding(context.Background(), desc, missing)
	assert.True(t, errors.Is(err, ErrInvalidPath))
	_, statErr := os.Stat(missing)
	assert.True(t, os.IsNotExist(statErr), "seeding never creates the data root")
	assert.Equal(t, 0, fake.Len())
	assert.Equal(t, domain.Counts{}, c.Counts())
}

func TestStartSeedingContentCheckIsAdvisory(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "album", hashOf(3))

	id, err := c.StartSeeding(context.Background(), desc, dir)
	require.NoError(t, err, "missing content only logs a warning")

	st := c.Query(id)
	assert.True(t, st.Valid)
	assert.Equal(t, domain.TaskKindSeed, st.Kind)

	task, ok := fake.Task(id)
	require.True(t, ok)
	assert.True(t, task.Options.Seed)
	assert.False(t, task.Options.SkipVerification)
}

func TestStartRejectsBadPaths(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "a", hashOf(4))

	garbage := filepath.Join(dir, "garbage.torrent")
	require.NoError(t, os.WriteFile(garbage, []byte("garbage"), 0o644))
	afile := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(afile, []byte("x"), 0o644))

	tests := []struct {
		name     string
		desc     string
		dataRoot string
		want     error
	}{
		{"empty descriptor", "", dir, ErrInvalidPath},
		{"missing descriptor", filepath.Join(dir, "missing.torrent"), dir, ErrInvalidPath},
		{"descriptor is a directory", dir, dir, ErrInvalidPath},
		{"unparsable descriptor", garbage, dir, ErrInvalidPath},
		{"empty data root", desc, "", ErrInvalidPath},
		{"data root is a file", desc, afile, ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.StartDownload(context.Background(), tt.desc, tt.dataRoot)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Equal(t, 0, fake.Len())
	assert.Equal(t, 0, c.Counts().Total)
}

func TestStartDownloadReportsIOError(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "a", hashOf(5))
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := c.StartDownload(context.Background(), desc, filepath.Join(blocker, "child"))
	assert.True(t, errors.Is(err, ErrIO), "got %v", err)
	assert.Equal(t, 0, c.Counts().Total)
}

func TestStartAcceptsForwardSlashes(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "slashy", hashOf(6))

	id, err := c.StartDownload(context.Background(), filepath.ToSlash(desc), filepath.ToSlash(dir)+"/out/")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out"), c.Query(id).DataRoot)
}

func TestDuplicateStartFails(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	first := fake.WriteDescriptor(t, dir, "first", hashOf(7))
	twin := fake.WriteDescriptor(t, dir, "twin", hashOf(7))

	_, err := c.StartDownload(context.Background(), first, filepath.Join(dir, "a"))
	require.NoError(t, err)

	_, err = c.StartDownload(context.Background(), twin, filepath.Join(dir, "b"))
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	_, err = c.StartSeeding(context.Background(), first, dir)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	assert.Equal(t, 1, c.Counts().Total)
	assert.Equal(t, 1, fake.Len())
	assert.Equal(t, domain.TaskKindDownload, c.Query(hashOf(7)).Kind)
}

func TestFailedStartLeavesNoDataRoot(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "a", hashOf(35))
	garbage := filepath.Join(dir, "garbage.torrent")
	require.NoError(t, os.WriteFile(garbage, []byte("garbage"), 0o644))

	_, err := c.StartDownload(context.Background(), desc, filepath.Join(dir, "first"))
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "first"))

	fresh := filepath.Join(dir, "fresh", "nested")
	_, err = c.StartDownload(context.Background(), desc, fresh)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = c.StartDownload(context.Background(), garbage, fresh)
	assert.ErrorIs(t, err, ErrInvalidPath)

	fake.SetAddError(errors.New("disk quota"))
	_, err = c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "b", hashOf(36)), fresh)
	assert.ErrorIs(t, err, ErrEngineRejected)

	assert.NoDirExists(t, filepath.Join(dir, "fresh"))
	assert.DirExists(t, dir)
}

func TestEngineRejectionLeavesRegistryUntouched(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "a", hashOf(8))
	boom := errors.New("disk quota")
	fake.SetAddError(boom)

	_, err := c.StartDownload(context.Background(), desc, dir)
	assert.True(t, errors.Is(err, ErrEngineRejected))
	assert.True(t, errors.Is(err, boom))
	assert.False(t, c.Has(hashOf(8)))

	fake.SetAddError(engine.ErrDuplicateTask)
	_, err = c.StartDownload(context.Background(), desc, dir)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	assert.Equal(t, 0, c.Counts().Total)
}

func TestLargeObjectTuning(t *testing.T) {
	c, fake := setupTestCoordinator(t, func(cfg *Config) {
		cfg.LargeObjectThreshold = 4096
		cfg.LargeObjectConns = 300
	})
	dir := t.TempDir()
	small := fake.WriteDescriptor(t, dir, "small", hashOf(9), engine.FileEntry{Path: "small", Size: 4096})
	large := fake.WriteDescriptor(t, dir, "large", hashOf(10),
		engine.FileEntry{Path: "large/a.bin", Size: 4096},
		engine.FileEntry{Path: "large/b.bin", Size: 1},
	)

	_, err := c.StartDownload(context.Background(), small, filepath.Join(dir, "dl"))
	require.NoError(t, err)
	_, err = c.StartDownload(context.Background(), large, filepath.Join(dir, "dl"))
	require.NoError(t, err)

	smallTask, _ := fake.Task(hashOf(9))
	assert.True(t, smallTask.Options.AutoManaged, "threshold is exclusive")
	assert.False(t, smallTask.Options.MaxPriority)
	assert.False(t, smallTask.Options.ForceResume)

	largeTask, _ := fake.Task(hashOf(10))
	assert.False(t, largeTask.Options.AutoManaged)
	assert.True(t, largeTask.Options.MaxPriority)
	assert.True(t, largeTask.Options.ForceResume)
	assert.Equal(t, 300, largeTask.Options.MaxConnections)
	assert.False(t, largeTask.Options.SkipVerification)
}

func TestLargeSeedWithContentSkipsVerification(t *testing.T) {
	c, fake := setupTestCoordinator(t, func(cfg *Config) { cfg.LargeObjectThreshold = 10 })
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "big", hashOf(11), engine.FileEntry{Path: "big/part1", Size: 100})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "big"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big", "part1"), make([]byte, 100), 0o644))

	_, err := c.StartSeeding(context.Background(), desc, dir)
	require.NoError(t, err)
	task, _ := fake.Task(hashOf(11))
	assert.True(t, task.Options.SkipVerification)
}

func TestLargeSeedKeepsDefaultTuning(t *testing.T) {
	c, fake := setupTestCoordinator(t, func(cfg *Config) {
		cfg.LargeObjectThreshold = 100
		cfg.LargeObjectConns = 200
	})
	dir := t.TempDir()
	present := fake.WriteDescriptor(t, dir, "present", hashOf(19), engine.FileEntry{Path: "present/data", Size: 1000})
	missing := fake.WriteDescriptor(t, dir, "missing", hashOf(20), engine.FileEntry{Path: "missing/data", Size: 1000})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "present"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "present", "data"), make([]byte, 1000), 0o644))

	_, err := c.StartSeeding(context.Background(), present, dir)
	require.NoError(t, err)
	_, err = c.StartSeeding(context.Background(), missing, dir)
	require.NoError(t, err)

	for hash, skip := range map[string]bool{hashOf(19): true, hashOf(20): false} {
		task, ok := fake.Task(hash)
		require.True(t, ok)
		assert.Equal(t, engine.AddOptions{
			Seed:             true,
			AutoManaged:      true,
			MaxConnections:   c.cfg.DefaultConns,
			SkipVerification: skip,
		}, task.Options, hash)
	}
}

func TestStopAppliesKindDisposition(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	dl := fake.WriteDescriptor(t, dir, "dl", hashOf(12))
	sd := fake.WriteDescriptor(t, dir, "sd", hashOf(13))

	_, err := c.StartDownload(context.Background(), dl, filepath.Join(dir, "out"))
	require.NoError(t, err)
	_, err = c.StartSeeding(context.Background(), sd, dir)
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background(), hashOf(12)))
	require.NoError(t, c.Stop(context.Background(), hashOf(13)))

	removals := fake.Removals()
	require.Len(t, removals, 2)
	assert.Equal(t, engine.DropIncomplete, removals[0].Disposition)
	assert.Equal(t, engine.DropAll, removals[1].Disposition)
	assert.False(t, c.Query(hashOf(12)).Valid)
	assert.False(t, c.Query(hashOf(13)).Valid)
}

func TestStopUnknownIsNotFound(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	_, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "a", hashOf(14)), dir)
	require.NoError(t, err)
	before := c.Counts()

	err = c.Stop(context.Background(), hashOf(999))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, before, c.Counts())
}

func TestStopRemovesRecordEvenWhenEngineFails(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	id, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "a", hashOf(15)), dir)
	require.NoError(t, err)

	boom := errors.New("permission denied")
	fake.SetRemoveError(boom)
	err = c.Stop(context.Background(), id)
	assert.True(t, errors.Is(err, ErrEngineRejected))
	assert.True(t, errors.Is(err, boom))
	assert.False(t, c.Has(id))

	assert.True(t, errors.Is(c.Stop(context.Background(), id), ErrNotFound),
		"a second stop cannot tell stopped from never started")
}

func TestStopToleratesRetiredHandle(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	id, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "a", hashOf(16)), dir)
	require.NoError(t, err)

	fake.SetRemoveError(engine.ErrInvalidHandle)
	assert.NoError(t, c.Stop(context.Background(), id))
}

func TestRestartAfterStop(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "d", hashOf(17))

	id, err := c.StartDownload(context.Background(), desc, filepath.Join(dir, "p1"))
	require.NoError(t, err)
	st := c.Query(id)
	assert.Equal(t, domain.TaskKindDownload, st.Kind)
	assert.False(t, st.Paused)
	assert.False(t, st.Finished)
	assert.Equal(t, 0.0, st.Progress)

	require.NoError(t, c.Stop(context.Background(), id))
	assert.False(t, c.Query(id).Valid)

	again, err := c.StartDownload(context.Background(), desc, filepath.Join(dir, "p2"))
	require.NoError(t, err)
	assert.Equal(t, id, again)
	st = c.Query(again)
	assert.True(t, st.Valid)
	assert.Equal(t, filepath.Join(dir, "p2"), st.DataRoot)
	require.NoError(t, c.Pause(again))
}

func TestStopAllOfKind(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		_, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, fmt.Sprintf("d%d", i), hashOf(100+i)), filepath.Join(dir, "dl"))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := c.StartSeeding(context.Background(), fake.WriteDescriptor(t, dir, fmt.Sprintf("s%d", i), hashOf(200+i)), dir)
		require.NoError(t, err)
	}
	assert.Equal(t, domain.Counts{Total: 5, Download: 3, Seed: 2}, c.Counts())

	fake.SetRemoveError(errors.New("busy"))
	n, err := c.StopAllOfKind(context.Background(), domain.TaskKindSeed)
	assert.Equal(t, 2, n)
	assert.True(t, errors.Is(err, ErrEngineRejected), "per task failures are reported together")
	assert.Equal(t, domain.Counts{Total: 3, Download: 3}, c.Counts())
	for _, r := range fake.Removals() {
		assert.Equal(t, engine.DropAll, r.Disposition)
	}

	fake.SetRemoveError(nil)
	n, err = c.StopAll(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, domain.Counts{}, c.Counts())
	assert.Equal(t, 0, fake.Len())

	_, err = c.StopAllOfKind(context.Background(), "bogus")
	assert.Error(t, err)
}

func TestPauseResume(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	id, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "a", hashOf(18)), dir)
	require.NoError(t, err)

	require.NoError(t, c.Pause(id))
	assert.True(t, c.Query(id).Paused)
	require.NoError(t, c.Resume(id))
	assert.False(t, c.Query(id).Paused)

	assert.True(t, errors.Is(c.Pause(hashOf(404)), ErrNotFound))
	assert.True(t, errors.Is(c.Resume(hashOf(404)), ErrNotFound))

	boom := errors.New("engine busy")
	fake.SetPauseError(boom)
	err = c.Pause(id)
	assert.True(t, errors.Is(err, ErrEngineRejected))
	assert.True(t, errors.Is(err, boom))
	assert.True(t, c.Has(id), "pause never mutates the registry")

	fake.SetPauseError(nil)
	fake.Retire(id)
	assert.True(t, errors.Is(c.Pause(id), ErrNotFound))
	assert.True(t, c.Has(id))
}

func TestPauseAllResumeAllAreBestEffort(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		_, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, fmt.Sprintf("t%d", i), hashOf(300+i)), dir)
		require.NoError(t, err)
	}
	fake.Retire(hashOf(301))

	assert.Equal(t, 2, c.PauseAll())
	assert.True(t, c.Query(hashOf(300)).Paused)
	assert.True(t, c.Query(hashOf(302)).Paused)

	assert.Equal(t, 2, c.ResumeAll(), "the retired task is skipped")
	assert.False(t, c.Query(hashOf(300)).Paused)
	assert.False(t, c.Query(hashOf(301)).Valid)
}

func TestQueryByKindAndCounts(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	_, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "d", hashOf(20)), filepath.Join(dir, "x"))
	require.NoError(t, err)
	_, err = c.StartSeeding(context.Background(), fake.WriteDescriptor(t, dir, "s", hashOf(21)), dir)
	require.NoError(t, err)
	_, err = c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "e", hashOf(22)), filepath.Join(dir, "x"))
	require.NoError(t, err)

	downloads := c.QueryByKind(domain.TaskKindDownload)
	require.Len(t, downloads, 2)
	assert.Equal(t, hashOf(20), downloads[0].InfoHash)
	assert.Equal(t, hashOf(22), downloads[1].InfoHash)

	seeds := c.QueryByKind(domain.TaskKindSeed)
	require.Len(t, seeds, 1)
	assert.Equal(t, domain.TaskKindSeed, seeds[0].Kind)

	counts := c.Counts()
	assert.Equal(t, counts.Total, counts.Download+counts.Seed)
	assert.Equal(t, 3, counts.Total)
}

func TestProgressBounds(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	id, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "p", hashOf(23)), dir)
	require.NoError(t, err)

	cases := []struct {
		done, total int64
		want        float64
	}{
		{0, 0, 0},
		{10, 0, 0},
		{-5, 100, 0},
		{25, 100, 0.25},
		{100, 100, 1},
		{150, 100, 1},
	}
	for _, tc := range cases {
		fake.Update(id, func(st *engine.Status) {
			st.TotalWanted = tc.total
			st.TotalWantedDone = tc.done
		})
		p := c.Query(id).Progress
		assert.False(t, math.IsNaN(p) || math.IsInf(p, 0))
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
		assert.InDelta(t, tc.want, p, 1e-9, "done=%d total=%d", tc.done, tc.total)
	}
}

func TestFinishedFollowsEngineState(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	id, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "f", hashOf(24)), dir)
	require.NoError(t, err)

	for state, want := range map[domain.LifecycleState]bool{
		domain.StateDownloading:         false,
		domain.StateCheckingFiles:       false,
		domain.StateDownloadingMetadata: false,
		domain.StateFinished:            true,
		domain.StateSeeding:             true,
	} {
		fake.Update(id, func(st *engine.Status) {
			st.State = state
			st.Paused = true
		})
		st := c.Query(id)
		assert.Equal(t, want, st.Finished, string(state))
		assert.True(t, st.Paused, "paused is independent of finished")
	}
}

func TestPumpDropsRetiredHandles(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	id, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "r", hashOf(25)), dir)
	require.NoError(t, err)
	keep, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "k", hashOf(26)), dir)
	require.NoError(t, err)

	fake.Retire(id)
	assert.False(t, c.Query(id).Valid)
	assert.Len(t, c.QueryAll(), 1, "invalid tasks are left out of listings")
	assert.Equal(t, 2, c.Counts().Total, "only the pump mutates the registry")

	require.NoError(t, c.Pump(context.Background(), 0))
	assert.Equal(t, 1, c.Counts().Total)
	assert.False(t, c.Has(id))
	assert.True(t, c.Has(keep))
}

func TestPumpReportsEventsToJournal(t *testing.T) {
	journal := &mockJournal{}
	journal.On("TaskStarted", mock.Anything, mock.Anything).Return(nil)
	journal.On("TaskFinished", mock.Anything, hashOf(27)).Return(nil).Once()
	journal.On("TaskFailed", mock.Anything, hashOf(28), "tracker said no").Return(nil).Once()

	c, fake := setupTestCoordinator(t, func(cfg *Config) { cfg.Journal = journal })
	dir := t.TempDir()
	_, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "a", hashOf(27)), dir)
	require.NoError(t, err)
	_, err = c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "b", hashOf(28)), dir)
	require.NoError(t, err)

	fake.Emit(
		engine.Event{Type: engine.EventStateChanged, InfoHash: hashOf(27), State: domain.StateSeeding},
		engine.Event{Type: engine.EventFinished, InfoHash: hashOf(27), State: domain.StateSeeding},
		engine.Event{Type: engine.EventTrackerAnnounce, InfoHash: hashOf(28)},
		engine.Event{Type: engine.EventTaskError, InfoHash: hashOf(28), Message: "tracker said no"},
		engine.Event{Type: engine.EventFileError, InfoHash: hashOf(28), Path: "/x", Message: "short read"},
	)
	require.NoError(t, c.Pump(context.Background(), 0))

	journal.AssertExpectations(t)
	assert.Equal(t, 2, c.Counts().Total, "events alone never mutate the registry")
}

func TestJournalSeesLifecycle(t *testing.T) {
	journal := &mockJournal{}
	journal.On("TaskStarted", mock.Anything, mock.MatchedBy(func(e domain.JournalEntry) bool {
		return e.InfoHash == hashOf(29) &&
			e.Kind == domain.TaskKindSeed &&
			e.Status == domain.JournalStatusActive &&
			e.Name == "album" &&
			e.TotalSize == 30 &&
			len(e.Files) == 2
	})).Return(errors.New("db locked")).Once()
	journal.On("TaskStopped", mock.Anything, hashOf(29)).Return(nil).Once()

	c, fake := setupTestCoordinator(t, func(cfg *Config) { cfg.Journal = journal })
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "album", hashOf(29),
		engine.FileEntry{Path: "album/1.flac", Size: 10},
		engine.FileEntry{Path: "album/2.flac", Size: 20},
	)

	id, err := c.StartSeeding(context.Background(), desc, dir)
	require.NoError(t, err, "journal failures never fail the start")
	require.NoError(t, c.Stop(context.Background(), id))
	journal.AssertExpectations(t)
}

func TestPumpRespectsContext(t *testing.T) {
	c, _ := setupTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := c.Pump(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunStopsWithContext(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	id, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "a", hashOf(30)), dir)
	require.NoError(t, err)
	fake.Retire(id)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return !c.Has(id) }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSettleDelayHonoursContext(t *testing.T) {
	c, fake := setupTestCoordinator(t, func(cfg *Config) { cfg.SettleDelay = time.Minute })
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	id, err := c.StartDownload(ctx, fake.WriteDescriptor(t, dir, "a", hashOf(31)), dir)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, c.Has(id))
}

func TestConcurrentStarts(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	const n = 32
	paths := make([]string, n)
	for i := range paths {
		paths[i] = fake.WriteDescriptor(t, dir, fmt.Sprintf("c%d", i), hashOf(1000+i))
	}

	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = c.StartDownload(context.Background(), paths[i], filepath.Join(dir, "out"))
			c.QueryAll()
			c.Counts()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[ids[i]], "duplicate identity %s", ids[i])
		seen[ids[i]] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, c.Counts().Total)
	assert.Len(t, c.QueryAll(), n)
}

func TestConcurrentDuplicateStarts(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "same", hashOf(32))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, dup int
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.StartDownload(context.Background(), desc, dir)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyRunning):
				dup++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 15, dup)
	assert.Equal(t, 1, c.Counts().Total)
}

func TestCloseDetachesWithoutDeletingData(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	desc := fake.WriteDescriptor(t, dir, "a", hashOf(33))
	_, err := c.StartSeeding(context.Background(), desc, dir)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.True(t, fake.Closed())
	removals := fake.Removals()
	require.Len(t, removals, 1)
	assert.Equal(t, engine.KeepAll, removals[0].Disposition)
	assert.Equal(t, 0, c.Counts().Total)

	_, err = c.StartDownload(context.Background(), desc, dir)
	assert.True(t, errors.Is(err, ErrEngineUnavailable))
	assert.NoError(t, c.Close(), "close is idempotent")
}

func TestCallsAfterCloseAreUnavailable(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()
	id, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "a", hashOf(37)), dir)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Stop(context.Background(), id), ErrEngineUnavailable)
	assert.ErrorIs(t, c.Pause(id), ErrEngineUnavailable)
	assert.ErrorIs(t, c.Resume(id), ErrEngineUnavailable)
	_, err = c.StopAll(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	_, err = c.StopAllOfKind(context.Background(), domain.TaskKindSeed)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Equal(t, 0, c.PauseAll())
	assert.Equal(t, 0, c.ResumeAll())
}

func TestWriteStatus(t *testing.T) {
	c, fake := setupTestCoordinator(t)
	dir := t.TempDir()

	var buf bytes.Buffer
	require.NoError(t, c.WriteStatus(&buf))
	assert.Contains(t, buf.String(), "no active tasks")

	id, err := c.StartDownload(context.Background(), fake.WriteDescriptor(t, dir, "a", hashOf(34)), dir)
	require.NoError(t, err)
	fake.Update(id, func(st *engine.Status) {
		st.TotalWanted = 2048
		st.TotalWantedDone = 1024
		st.DownloadRate = 1536
		st.NumPeers = 3
	})

	buf.Reset()
	require.NoError(t, c.WriteStatus(&buf))
	out := buf.String()
	assert.Contains(t, out, "total: 1, download: 1, seed: 0")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "50.00%")
	assert.Contains(t, out, "1.0 KiB / 2.0 KiB")
	assert.Contains(t, out, "1.5 KiB/s")
	assert.Contains(t, out, "Downloading")

	buf.Reset()
	require.NoError(t, c.WriteTaskStatus(&buf, id))
	assert.Contains(t, buf.String(), "Peers:      3")

	err = c.WriteTaskStatus(&buf, hashOf(404))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "1.5 KiB/s", formatSpeed(1536))
	assert.Equal(t, "0.00%", formatPercent(0))
	assert.Equal(t, "100.00%", formatPercent(1))
}
