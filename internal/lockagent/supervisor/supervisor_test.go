package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/lockagent/internal/lockagent/core"
	"github.com/autopeer-io/lockagent/internal/lockagent/module"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func writeModule(t *testing.T, source module.Source, body string) *module.ControlModule {
	t.Helper()
	content := []byte("#!/bin/sh\n" + body + "\n")
	path := filepath.Join(t.TempDir(), "gpio_main.py")
	require.NoError(t, os.WriteFile(path, content, 0o755))
	return &module.ControlModule{
		Source: source,
		Path:   path,
		Digest: module.Digest(content),
		Size:   int64(len(content)),
		Status: module.StatusValid,
	}
}

type fakeResolver struct {
	mu         sync.Mutex
	current    *module.ControlModule
	fallback   *module.ControlModule
	allowFetch []bool
	demoted    []string
	committed  []string
}

func (f *fakeResolver) Resolve(_ context.Context, allowFetch bool) *module.ControlModule {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowFetch = append(f.allowFetch, allowFetch)
	return f.current
}

func (f *fakeResolver) Demote(m *module.ControlModule) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.Source == module.SourceBundled || f.fallback == nil {
		return false
	}
	f.demoted = append(f.demoted, m.Digest)
	f.current = f.fallback
	return true
}

func (f *fakeResolver) Commit(m *module.ControlModule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, m.Digest)
}

func (f *fakeResolver) IsRejected(digest string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.demoted {
		if d == digest {
			return true
		}
	}
	return false
}

func (f *fakeResolver) set(m *module.ControlModule) {
	f.mu.Lock()
	f.current = m
	f.mu.Unlock()
}

func (f *fakeResolver) calls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.allowFetch...)
}

type fakeConnectivity struct{ online bool }

func (c *fakeConnectivity) Online() bool { return c.online }

type recordingNotifier struct {
	mu       sync.Mutex
	ready    int
	stopping int
	statuses []string
}

func (n *recordingNotifier) Ready()            { n.mu.Lock(); n.ready++; n.mu.Unlock() }
func (n *recordingNotifier) Stopping()         { n.mu.Lock(); n.stopping++; n.mu.Unlock() }
func (n *recordingNotifier) Status(msg string) { n.mu.Lock(); n.statuses = append(n.statuses, msg); n.mu.Unlock() }

func testConfig(r ModuleResolver) Config {
	return Config{
		Resolver:        r,
		Launcher:        &ExecLauncher{Interpreter: []string{"sh"}},
		RestartDelay:    5 * time.Millisecond,
		MaxRestartDelay: 20 * time.Millisecond,
		StableAfter:     time.Minute,
		StopTimeout:     time.Second,
		RefreshInterval: time.Hour,
	}
}

// start runs s in the background and returns a function that stops it and
// returns Run's error.
func start(t *testing.T, s *Supervisor) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(waitFor):
				result = errors.New("supervisor did not stop in time")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestRestartsAreUnbounded(t *testing.T) {
	requireShell(t)
	r := &fakeResolver{current: writeModule(t, module.SourceBundled, "exit 3")}
	s := New(testConfig(r))
	stop := start(t, s)

	require.Eventually(t, func() bool { return s.Snapshot().Restarts >= 8 }, waitFor, tick)

	require.NoError(t, stop())
	snap := s.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Zero(t, snap.PID)
	assert.Contains(t, snap.LastExit, "exit status 3")
}

func TestRunningImpliesHandle(t *testing.T) {
	requireShell(t)
	r := &fakeResolver{current: writeModule(t, module.SourceBundled, "sleep 0.02; exit 1")}
	s := New(testConfig(r))
	stop := start(t, s)

	deadline := time.Now().Add(500 * time.Millisecond)
	sawRunning := false
	for time.Now().Before(deadline) {
		snap := s.Snapshot()
		if snap.State == StateRunning {
			sawRunning = true
			require.NotZero(t, snap.PID, "running without a process handle")
			require.NotNil(t, snap.Module)
		} else {
			require.Zero(t, snap.PID, "state %s with a process handle", snap.State)
		}
	}
	assert.True(t, sawRunning)
	require.NoError(t, stop())
}

func TestStopTerminatesModule(t *testing.T) {
	requireShell(t)
	r := &fakeResolver{current: writeModule(t, module.SourceBundled, "exec sleep 30")}
	n := &recordingNotifier{}
	cfg := testConfig(r)
	cfg.Notifier = n
	s := New(cfg)
	stop := start(t, s)

	require.Eventually(t, s.Running, waitFor, tick)

	began := time.Now()
	require.NoError(t, stop())
	assert.Less(t, time.Since(began), 3*time.Second)
	assert.Equal(t, StateStopped, s.Snapshot().State)

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, 1, n.ready)
	assert.Equal(t, 1, n.stopping)
	assert.NotEmpty(t, n.statuses)
}

func TestStopKillsModuleIgnoringTerm(t *testing.T) {
	requireShell(t)
	r := &fakeResolver{current: writeModule(t, module.SourceBundled, `trap "" TERM; while :; do sleep 0.05; done`)}
	cfg := testConfig(r)
	cfg.StopTimeout = 200 * time.Millisecond
	s := New(cfg)
	stop := start(t, s)

	require.Eventually(t, s.Running, waitFor, tick)
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, StateStopped, s.Snapshot().State)
}

func TestSwapsToNewlyResolvedModule(t *testing.T) {
	requireShell(t)
	first := writeModule(t, module.SourceCached, "exec sleep 30")
	second := writeModule(t, module.SourceRemote, "echo v2; exec sleep 30")
	r := &fakeResolver{current: first}
	s := New(testConfig(r))
	start(t, s)

	require.Eventually(t, s.Running, waitFor, tick)
	firstPID := s.Snapshot().PID

	r.set(second)
	s.Trigger("test")

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateRunning && snap.Module.Digest == second.Digest
	}, waitFor, tick)

	snap := s.Snapshot()
	assert.NotEqual(t, firstPID, snap.PID)
	assert.Equal(t, 1, snap.Restarts)
}

func TestSameModuleIsNotRelaunched(t *testing.T) {
	requireShell(t)
	m := writeModule(t, module.SourceRemote, "exec sleep 30")
	r := &fakeResolver{current: m}
	s := New(testConfig(r))
	start(t, s)

	require.Eventually(t, s.Running, waitFor, tick)
	pid := s.Snapshot().PID

	s.Trigger("test")
	require.Eventually(t, func() bool { return len(r.calls()) >= 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, pid, snap.PID)
	assert.Zero(t, snap.Restarts)
}

func TestCrashLoopFallsBack(t *testing.T) {
	requireShell(t)
	broken := writeModule(t, module.SourceRemote, "exit 1")
	bundled := writeModule(t, module.SourceBundled, "exec sleep 30")
	r := &fakeResolver{current: broken, fallback: bundled}
	cfg := testConfig(r)
	cfg.CrashLoopThreshold = 3
	s := New(cfg)
	start(t, s)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateRunning && snap.Module.Source == module.SourceBundled
	}, waitFor, tick)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []string{broken.Digest}, r.demoted)
}

func TestBundledModuleIsNeverDemoted(t *testing.T) {
	requireShell(t)
	bundled := writeModule(t, module.SourceBundled, "exit 1")
	r := &fakeResolver{current: bundled, fallback: bundled}
	cfg := testConfig(r)
	cfg.CrashLoopThreshold = 2
	s := New(cfg)
	start(t, s)

	require.Eventually(t, func() bool { return s.Snapshot().Restarts >= 5 }, waitFor, tick)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.demoted)
}

func TestLaunchFailureIsRetried(t *testing.T) {
	m := &module.ControlModule{Source: module.SourceBundled, Path: filepath.Join(t.TempDir(), "missing.py"), Status: module.StatusValid}
	r := &fakeResolver{current: m}
	s := New(testConfig(r))
	start(t, s)

	require.Eventually(t, func() bool { return s.Snapshot().Restarts >= 3 }, waitFor, tick)
	assert.Contains(t, s.Snapshot().LastExit, "failed to start")
}

// Offline refreshes skip the remote tier but still pick up local changes.
func TestRefreshWhileOfflineUsesLocalTiers(t *testing.T) {
	requireShell(t)
	first := writeModule(t, module.SourceBundled, "exec sleep 30")
	second := writeModule(t, module.SourceBundled, "echo updated; exec sleep 30")
	r := &fakeResolver{current: first}
	cfg := testConfig(r)
	cfg.Connectivity = &fakeConnectivity{online: false}
	s := New(cfg)
	start(t, s)

	require.Eventually(t, s.Running, waitFor, tick)
	r.set(second)
	s.Trigger("bundled module changed")

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateRunning && snap.Module.Digest == second.Digest
	}, waitFor, tick)
	for _, allowFetch := range r.calls() {
		assert.False(t, allowFetch)
	}
}

// The active module only changes once its process has been launched.
func TestCommitFollowsLaunch(t *testing.T) {
	requireShell(t)
	first := writeModule(t, module.SourceCached, "exec sleep 30")
	second := writeModule(t, module.SourceRemote, "echo v2; exec sleep 30")
	r := &fakeResolver{current: first}
	launcher := &recordingLauncher{Launcher: &ExecLauncher{Interpreter: []string{"sh"}}}
	cfg := testConfig(r)
	cfg.Launcher = launcher
	s := New(cfg)
	start(t, s)

	require.Eventually(t, s.Running, waitFor, tick)
	r.set(second)
	s.Trigger("test")

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateRunning && snap.Module.Digest == second.Digest
	}, waitFor, tick)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []string{first.Digest, second.Digest}, r.committed)
	assert.Equal(t, launcher.launched(), r.committed)
}

type recordingLauncher struct {
	Launcher

	mu      sync.Mutex
	digests []string
}

func (l *recordingLauncher) Launch(ctx context.Context, m *module.ControlModule) (Process, error) {
	l.mu.Lock()
	l.digests = append(l.digests, m.Digest)
	l.mu.Unlock()
	return l.Launcher.Launch(ctx, m)
}

func (l *recordingLauncher) launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.digests...)
}

// lateResolver completes one armed resolution only after the module it
// returns has been demoted, like a slow refresh racing a crash loop.
type lateResolver struct {
	*fakeResolver

	armed    atomic.Bool
	stale    *module.ControlModule
	released chan struct{}
	once     sync.Once
}

func (r *lateResolver) Resolve(ctx context.Context, allowFetch bool) *module.ControlModule {
	if !r.IsRejected(r.stale.Digest) && r.armed.CompareAndSwap(true, false) {
		<-r.released
		return r.stale
	}
	return r.fakeResolver.Resolve(ctx, allowFetch)
}

func (r *lateResolver) Demote(m *module.ControlModule) bool {
	ok := r.fakeResolver.Demote(m)
	if ok {
		r.once.Do(func() { close(r.released) })
	}
	return ok
}

func TestDemotedModuleIsNotRelaunchedByLateRefresh(t *testing.T) {
	requireShell(t)
	broken := writeModule(t, module.SourceRemote, "exit 1")
	bundled := writeModule(t, module.SourceBundled, "exec sleep 30")
	r := &lateResolver{
		fakeResolver: &fakeResolver{current: broken, fallback: bundled},
		stale:        broken,
		released:     make(chan struct{}),
	}
	launcher := &recordingLauncher{Launcher: &ExecLauncher{Interpreter: []string{"sh"}}}
	cfg := testConfig(r)
	cfg.Launcher = launcher
	cfg.CrashLoopThreshold = 3
	s := New(cfg)
	start(t, s)

	require.Eventually(t, func() bool { return len(r.calls()) >= 1 }, waitFor, tick)
	r.armed.Store(true)
	s.Trigger("test")

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateRunning && snap.Module.Digest == bundled.Digest
	}, waitFor, tick)
	require.Eventually(t, func() bool { return !r.armed.Load() }, waitFor, tick)
	time.Sleep(200 * time.Millisecond)

	launches := launcher.launched()
	var afterDemotion []string
	for i, d := range launches {
		if d == bundled.Digest {
			afterDemotion = launches[i:]
			break
		}
	}
	assert.NotContains(t, afterDemotion, broken.Digest)

	snap := s.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, bundled.Digest, snap.Module.Digest)
}

func TestListenerSeesTransitions(t *testing.T) {
	requireShell(t)
	var mu sync.Mutex
	var events []core.StatusEvent
	r := &fakeResolver{current: writeModule(t, module.SourceBundled, "exec sleep 30")}
	cfg := testConfig(r)
	cfg.Listener = core.StatusListenerFunc(func(e core.StatusEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	s := New(cfg)
	stop := start(t, s)

	require.Eventually(t, s.Running, waitFor, tick)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, string(StateNotStarted), events[0].From)
	assert.Equal(t, string(StateRunning), events[0].To)
	assert.Equal(t, string(StateStopped), events[1].To)
}

// With no network and no cache the bundled module is what runs.
func TestNoNetworkRunsBundled(t *testing.T) {
	requireShell(t)
	bundled := writeModule(t, module.SourceBundled, "exec sleep 30")
	resolver := module.NewResolver(failingFetcher{}, nil, bundled.Path)
	cfg := testConfig(resolver)
	s := New(cfg)
	start(t, s)

	require.Eventually(t, s.Running, waitFor, tick)
	snap := s.Snapshot()
	assert.Equal(t, module.SourceBundled, snap.Module.Source)
	assert.Equal(t, bundled.Digest, snap.Module.Digest)
	assert.Same(t, snap.Module, resolver.Active())
}

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context) (*module.ControlModule, error) {
	return nil, module.ErrNoRemoteModule
}

func TestRunTwiceIsRejected(t *testing.T) {
	requireShell(t)
	r := &fakeResolver{current: writeModule(t, module.SourceBundled, "exec sleep 30")}
	s := New(testConfig(r))
	start(t, s)

	require.Eventually(t, s.Running, waitFor, tick)
	assert.Error(t, s.Run(context.Background()))
}

func TestLineWriter(t *testing.T) {
	var lines []string
	w := &lineWriter{emit: func(l string) { lines = append(lines, l) }}

	_, _ = w.Write([]byte("one\ntw"))
	_, _ = w.Write([]byte("o\r\n\nthree"))
	assert.Equal(t, []string{"one", "two"}, lines)

	w.Flush()
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}
