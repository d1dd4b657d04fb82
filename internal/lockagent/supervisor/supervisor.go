package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/lockagent/internal/lockagent/core"
	"github.com/autopeer-io/lockagent/internal/lockagent/module"
	"github.com/autopeer-io/lockagent/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/lockagent/internal/pkg/util/fsm"
	"github.com/autopeer-io/lockagent/pkg/log"
)

// ModuleResolver selects the module to run.
type ModuleResolver interface {
	Resolve(ctx context.Context, allowFetch bool) *module.ControlModule
	// Commit records m as the module whose process is running.
	Commit(m *module.ControlModule)
	Demote(m *module.ControlModule) bool
	IsRejected(digest string) bool
}

// Config holds the dependencies and timings of a Supervisor.
type Config struct {
	Resolver ModuleResolver
	Launcher Launcher

	// Connectivity gates remote fetches. Nil means always online.
	Connectivity core.Connectivity
	Notifier     Notifier
	Listener     core.StatusListener
	Clock        clock.WithTicker

	RestartDelay       time.Duration
	MaxRestartDelay    time.Duration
	StableAfter        time.Duration
	StopTimeout        time.Duration
	RefreshInterval    time.Duration
	CrashLoopThreshold int
}

// Supervisor keeps exactly one control module process alive, restarting it
// after every exit and swapping it when a different module is resolved.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	fsm      *fsm.FSM
	pid      int
	current  *module.ControlModule
	restarts int
	lastExit string
	cancel   context.CancelFunc

	snap atomic.Pointer[Snapshot]

	triggers chan string
	resolved chan *module.ControlModule
	ready    sync.Once
}

func New(cfg Config) *Supervisor {
	if cfg.Connectivity == nil {
		cfg.Connectivity = core.AlwaysOnline{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = cfg.RestartDelay
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}

	s := &Supervisor{
		cfg:      cfg,
		fsm:      newStateMachine(),
		triggers: make(chan string, 1),
		resolved: make(chan *module.ControlModule, 1),
	}
	s.publishLocked()
	return s
}

// Snapshot returns the latest committed supervision state.
func (s *Supervisor) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Running reports whether a control module process is up.
func (s *Supervisor) Running() bool {
	return s.Snapshot().State == StateRunning
}

// Trigger requests an immediate fetch and resolve cycle. Requests arriving
// while one is pending are merged.
func (s *Supervisor) Trigger(reason string) {
	select {
	case s.triggers <- reason:
	default:
	}
}

// Stop ends a running Run as if its context was cancelled.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run supervises until ctx is cancelled or Stop is called. The process is
// terminated before Run returns and the state ends as stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return errors.New("supervisor is already running")
	}
	s.cancel = cancel
	s.mu.Unlock()

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.refreshLoop(ctx)
	}()

	m := s.cfg.Resolver.Resolve(ctx, s.cfg.Connectivity.Online())
	backoff := s.newBackoff()
	unstable := 0

	for {
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}

		proc, err := s.cfg.Launcher.Launch(ctx, m)
		if err != nil {
			s.crashed(&ExitError{Module: m, Err: err})
			unstable++
		} else {
			started := s.cfg.Clock.Now()
			s.cfg.Resolver.Commit(m)
			s.transition(EventLaunch, proc.PID(), m, "")
			log.Info("Control module started", "pid", proc.PID(), "path", m.Path, "source", m.Source, "digest", m.ShortDigest())
			s.ready.Do(s.cfg.Notifier.Ready)

			next, exited := s.watch(ctx, proc, m)
			if !exited {
				if next == nil {
					s.shutdown()
					return nil
				}
				// Retire-then-launch: the old process is gone already.
				s.transition(EventSwap, 0, nil, "")
				s.countRestart("swap")
				m = next
				backoff = s.newBackoff()
				unstable = 0
				continue
			}

			uptime := s.cfg.Clock.Since(started)
			exitErr := proc.Err()
			if exitErr == nil {
				exitErr = errors.New("exited with status 0")
			}
			s.crashed(&ExitError{Module: m, PID: proc.PID(), Uptime: uptime, Err: exitErr})

			if uptime >= s.cfg.StableAfter {
				backoff = s.newBackoff()
				unstable = 0
			} else {
				unstable++
			}
		}

		reason := "crash"
		if s.cfg.CrashLoopThreshold > 0 && unstable >= s.cfg.CrashLoopThreshold && m.Source != module.SourceBundled {
			log.Warn("Control module is crash looping, falling back", "digest", m.ShortDigest(), "source", m.Source, "unstableRuns", unstable)
			if s.cfg.Resolver.Demote(m) {
				m = s.cfg.Resolver.Resolve(ctx, s.cfg.Connectivity.Online())
				backoff = s.newBackoff()
				unstable = 0
				reason = "demote"
			}
		}

		s.transition(EventRestart, 0, nil, "")
		delay := backoff.Step()
		log.Info("Restarting control module", "delay", delay, "restarts", s.Snapshot().Restarts+1)
		if !s.sleep(ctx, delay) {
			s.shutdown()
			return nil
		}
		s.countRestart(reason)

		// Pick up a module resolved while we were waiting.
		select {
		case next := <-s.resolved:
			if s.replaces(next, m) {
				log.Info("Relaunching with newly resolved module", "digest", next.ShortDigest(), "source", next.Source)
				m = next
			}
		default:
		}
	}
}

// watch waits for the process to exit, for ctx to end, or for a different
// module to be resolved. It returns exited=true on exit. Otherwise the
// process has been stopped and next is the replacement, nil on shutdown.
func (s *Supervisor) watch(ctx context.Context, proc Process, m *module.ControlModule) (next *module.ControlModule, exited bool) {
	for {
		select {
		case <-proc.Done():
			return nil, true
		case <-ctx.Done():
			s.retire(proc)
			return nil, false
		case candidate := <-s.resolved:
			if !s.replaces(candidate, m) {
				continue
			}
			log.Info("Swapping control module",
				"from", m.ShortDigest(), "fromSource", m.Source,
				"to", candidate.ShortDigest(), "toSource", candidate.Source)
			s.retire(proc)
			return candidate, false
		}
	}
}

// replaces reports whether a resolved candidate should take over from m. A
// resolution that finished after its module was demoted is dropped.
func (s *Supervisor) replaces(candidate, m *module.ControlModule) bool {
	if candidate == nil || candidate.SameContent(m) {
		return false
	}
	if s.cfg.Resolver.IsRejected(candidate.Digest) {
		log.Info("Dropping resolution of a demoted control module", "digest", candidate.ShortDigest(), "source", candidate.Source)
		return false
	}
	return true
}

func (s *Supervisor) retire(proc Process) {
	if err := proc.Stop(s.cfg.StopTimeout); err != nil {
		log.Error(err, "Failed to stop control module", "pid", proc.PID())
	}
}

func (s *Supervisor) crashed(exit *ExitError) {
	log.Error(exit, "Control module crashed")
	s.transition(EventCrash, 0, nil, exit.Error())
}

func (s *Supervisor) shutdown() {
	s.cfg.Notifier.Stopping()
	s.transition(EventStop, 0, nil, "")
	log.Info("Supervisor stopped")
}

func (s *Supervisor) countRestart(reason string) {
	metrics.ModuleRestarts.WithLabelValues(reason).Inc()
	s.mu.Lock()
	s.restarts++
	s.publishLocked()
	s.mu.Unlock()
}

// transition applies event and the matching handle change under one lock,
// so that no Snapshot ever pairs running with a zero pid.
func (s *Supervisor) transition(event string, pid int, m *module.ControlModule, lastExit string) {
	s.mu.Lock()
	from := s.fsm.Current()
	if err := s.fsm.Event(context.Background(), event); fsmutil.IsRealError(err) {
		s.mu.Unlock()
		log.Error(err, "Invalid supervision transition", "from", from, "event", event)
		return
	}
	s.pid = pid
	if m != nil {
		s.current = m
	}
	if lastExit != "" {
		s.lastExit = lastExit
	}
	snap := s.publishLocked()
	s.mu.Unlock()

	s.cfg.Notifier.Status(statusLine(snap))
	if s.cfg.Listener != nil {
		s.cfg.Listener.OnStatus(core.StatusEvent{
			Component: "supervisor",
			From:      from,
			To:        string(snap.State),
			Reason:    event,
			At:        snap.Since,
		})
	}
}

func (s *Supervisor) publishLocked() *Snapshot {
	snap := &Snapshot{
		State:    State(s.fsm.Current()),
		PID:      s.pid,
		Module:   s.current,
		Restarts: s.restarts,
		LastExit: s.lastExit,
		Since:    s.cfg.Clock.Now(),
	}
	if prev := s.snap.Load(); prev != nil && prev.State == snap.State {
		snap.Since = prev.Since
	}
	s.snap.Store(snap)
	return snap
}

func (s *Supervisor) refreshLoop(ctx context.Context) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		reason := "periodic"
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		case reason = <-s.triggers:
		}
		s.refresh(ctx, reason)
	}
}

// refresh resolves again and hands the result to Run. Offline it still
// re-reads the cache and the bundled module.
func (s *Supervisor) refresh(ctx context.Context, reason string) {
	online := s.cfg.Connectivity.Online()
	log.Debug("Refreshing control module", "reason", reason, "online", online)

	m := s.cfg.Resolver.Resolve(ctx, online)
	if ctx.Err() != nil {
		return
	}
	// Only the latest resolution matters.
	select {
	case <-s.resolved:
	default:
	}
	select {
	case s.resolved <- m:
	default:
	}
}

func (s *Supervisor) newBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: s.cfg.RestartDelay,
		Factor:   2,
		Cap:      s.cfg.MaxRestartDelay,
		Steps:    math.MaxInt32,
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	t := s.cfg.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}

func statusLine(snap *Snapshot) string {
	if snap.Module == nil {
		return string(snap.State)
	}
	line := fmt.Sprintf("%s %s (%s %s)", snap.State, filepath.Base(snap.Module.Path), snap.Module.Source, snap.Module.ShortDigest())
	if snap.State == StateRunning {
		line += fmt.Sprintf(" pid %d", snap.PID)
	}
	return line
}
