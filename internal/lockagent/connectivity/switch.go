package connectivity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/lockagent/internal/lockagent/core"
	"github.com/autopeer-io/lockagent/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/lockagent/internal/pkg/util/fsm"
	"github.com/autopeer-io/lockagent/pkg/log"
)

const (
	EventLost      = "lost"
	EventRestored  = "restored"
	EventProvision = "provision"
	EventConnected = "connected"
)

// PortalServer is the captive portal as seen by the Switch.
type PortalServer interface {
	Start() error
	Stop(ctx context.Context) error
	Addr() string
}

// Config holds the dependencies and timings of a Switch.
type Config struct {
	Prober      Prober
	Store       NetworkStore
	AccessPoint AccessPoint

	// Portal defaults to a Portal on PortalAddr backed by the Switch.
	Portal     PortalServer
	PortalAddr string

	// Interface is the Wi-Fi device; detected through Store when empty.
	Interface string
	APSSID    string

	ProbeInterval    time.Duration
	FailureThreshold int
	GracePeriod      time.Duration
	ConnectTimeout   time.Duration

	// Refresher is triggered whenever the device comes back online.
	Refresher core.Refresher
	Listener  core.StatusListener
	Clock     clock.WithTicker
}

// Switch decides between normal operation and Wi-Fi provisioning based on
// periodic reachability probes.
type Switch struct {
	cfg Config

	mu       sync.Mutex
	fsm      *fsm.FSM
	failures int
	session  *Session
	grace    clock.Timer
	iface    string

	state  atomic.Value // State
	submit sync.Mutex
}

func New(cfg Config) *Switch {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	s := &Switch{cfg: cfg, fsm: newStateMachine()}
	if s.cfg.Portal == nil {
		s.cfg.Portal = NewPortal(cfg.PortalAddr, s)
	}
	s.state.Store(StateOnline)
	metrics.SetState(metrics.ConnectivityState, string(StateOnline), allStates...)
	return s
}

func newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StateOnline),
		fsm.Events{
			{Name: EventLost, Src: []string{string(StateOnline)}, Dst: string(StateOffline)},
			{Name: EventRestored, Src: []string{string(StateOffline)}, Dst: string(StateOnline)},
			{Name: EventProvision, Src: []string{string(StateOffline)}, Dst: string(StateProvisioning)},
			{Name: EventConnected, Src: []string{string(StateProvisioning)}, Dst: string(StateOnline)},
		},
		fsm.Callbacks{
			"enter_state": fsmutil.WrapEvent(func(_ context.Context, e *fsm.Event) error {
				metrics.SetState(metrics.ConnectivityState, e.Dst, allStates...)
				return nil
			}),
		},
	)
}

// State returns the current mode.
func (s *Switch) State() State {
	return s.state.Load().(State)
}

// Online reports whether remote fetches are allowed.
func (s *Switch) Online() bool {
	return s.State() == StateOnline
}

// Session returns a copy of the provisioning session, nil outside
// provisioning.
func (s *Switch) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	cp := *s.session
	return &cp
}

// Run probes until ctx is done. A provisioning session still open at that
// point is torn down.
func (s *Switch) Run(ctx context.Context) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	defer s.teardown()

	log.Info("Starting connectivity monitor", "interval", s.cfg.ProbeInterval, "failureThreshold", s.cfg.FailureThreshold, "gracePeriod", s.cfg.GracePeriod)
	s.round(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.round(ctx)
		case <-s.graceC():
			s.graceExpired(ctx)
		}
	}
}

// round runs one probe and applies its outcome.
func (s *Switch) round(ctx context.Context) {
	if s.State() == StateProvisioning {
		// Only a submission leaves provisioning; the radio is busy with the AP.
		return
	}

	err := s.probe(ctx)
	if ctx.Err() != nil {
		return
	}

	switch s.State() {
	case StateOnline:
		if err == nil {
			s.mu.Lock()
			s.failures = 0
			s.mu.Unlock()
			return
		}
		metrics.ProbeFailures.Inc()

		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.mu.Unlock()

		log.Warn("Connectivity probe failed", "failures", failures, "threshold", s.cfg.FailureThreshold, "err", err)
		if failures >= s.cfg.FailureThreshold {
			s.wentOffline(ctx, err)
		}

	case StateOffline:
		if err != nil {
			metrics.ProbeFailures.Inc()
			log.Debug("Still offline", "err", err)
			return
		}
		s.stopGrace()
		s.fire(EventRestored, "probe succeeded")
		s.cameOnline("connectivity restored")
	}
}

func (s *Switch) probe(ctx context.Context) error {
	if s.cfg.Prober == nil {
		return nil
	}
	return s.cfg.Prober.Probe(ctx)
}

func (s *Switch) wentOffline(ctx context.Context, cause error) {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	s.fire(EventLost, cause.Error())

	hasCreds := false
	if s.cfg.Store != nil {
		ok, err := s.cfg.Store.HasCredentials(ctx)
		if err != nil {
			log.Warn("Could not inspect stored Wi-Fi credentials", "err", err)
		}
		hasCreds = ok
	}
	if !hasCreds || s.cfg.GracePeriod <= 0 {
		log.Info("No stored Wi-Fi credentials, opening provisioning")
		s.startProvisioning(ctx)
		return
	}

	log.Info("Waiting for the network to return", "gracePeriod", s.cfg.GracePeriod)
	s.startGrace(s.cfg.GracePeriod)
}

func (s *Switch) graceExpired(ctx context.Context) {
	s.stopGrace()
	if s.State() != StateOffline {
		return
	}
	log.Info("Network did not return within the grace period, opening provisioning")
	s.startProvisioning(ctx)
}

func (s *Switch) startProvisioning(ctx context.Context) {
	if err := s.openAccessPoint(ctx); err != nil {
		log.Error(err, "Failed to enter provisioning, will retry")
		retry := s.cfg.GracePeriod
		if retry <= 0 {
			retry = s.cfg.ProbeInterval
		}
		s.startGrace(retry)
		return
	}

	s.mu.Lock()
	s.session = &Session{
		ID:        uuid.NewString(),
		APSSID:    s.cfg.APSSID,
		Interface: s.iface,
		StartedAt: s.cfg.Clock.Now(),
	}
	id, iface := s.session.ID, s.iface
	s.mu.Unlock()

	s.fire(EventProvision, "session "+id)
	log.Info("Provisioning started", "session", id, "ssid", s.cfg.APSSID, "interface", iface, "portal", s.cfg.Portal.Addr())
}

func (s *Switch) openAccessPoint(ctx context.Context) error {
	iface := s.cfg.Interface
	if iface == "" && s.cfg.Store != nil {
		detected, err := s.cfg.Store.WifiInterface(ctx)
		if err != nil {
			return fmt.Errorf("detecting Wi-Fi interface: %w", err)
		}
		iface = detected
	}
	s.mu.Lock()
	s.iface = iface
	s.mu.Unlock()

	if s.cfg.AccessPoint != nil {
		if err := s.cfg.AccessPoint.Start(ctx, iface); err != nil {
			return fmt.Errorf("starting access point: %w", err)
		}
	}
	if err := s.cfg.Portal.Start(); err != nil {
		if s.cfg.AccessPoint != nil {
			_ = s.cfg.AccessPoint.Stop(ctx)
		}
		return fmt.Errorf("starting captive portal: %w", err)
	}
	return nil
}

// Submit tests c as the device's Wi-Fi network. Only one submission runs at
// a time; others get ErrBusy.
func (s *Switch) Submit(ctx context.Context, c Credentials) error {
	if !s.submit.TryLock() {
		metrics.ProvisioningAttempts.WithLabelValues("busy").Inc()
		return ErrBusy
	}
	defer s.submit.Unlock()

	if s.State() != StateProvisioning {
		return ErrNotProvisioning
	}
	if err := c.Validate(); err != nil {
		metrics.ProvisioningAttempts.WithLabelValues("invalid").Inc()
		s.recordAttempt(err, false)
		return &InvalidCredentialsError{Err: err}
	}

	// The test outlives a client that gives up waiting.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConnectTimeout)
	defer cancel()

	s.recordAttempt(nil, true)
	s.mu.Lock()
	iface := s.iface
	s.mu.Unlock()

	log.Info("Testing submitted Wi-Fi network", "ssid", c.SSID, "interface", iface)
	err := s.tryNetwork(ctx, iface, c)
	if err != nil {
		metrics.ProvisioningAttempts.WithLabelValues("rejected").Inc()
		log.Error(err, "Submitted Wi-Fi network failed the connection test", "ssid", c.SSID)
		s.recoverAccessPoint(ctx, iface, c.SSID)
		s.recordAttempt(err, false)
		return err
	}

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Persist(c); err != nil {
			log.Error(err, "Failed to persist Wi-Fi credentials", "ssid", c.SSID)
		}
	}
	metrics.ProvisioningAttempts.WithLabelValues("connected").Inc()

	s.closeProvisioning()
	s.fire(EventConnected, "ssid "+c.SSID)
	s.cameOnline("provisioned")
	return nil
}

func (s *Switch) tryNetwork(ctx context.Context, iface string, c Credentials) error {
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Connect(ctx, iface, c); err != nil {
			return fmt.Errorf("connecting to %q: %w", c.SSID, err)
		}
	}
	if err := s.probe(ctx); err != nil {
		return fmt.Errorf("connected to %q but the network is unusable: %w", c.SSID, err)
	}
	return nil
}

// recoverAccessPoint forgets the failed network and re-raises the access
// point if joining the network took it down.
func (s *Switch) recoverAccessPoint(ctx context.Context, iface, ssid string) {
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Forget(ctx, ssid); err != nil {
			log.Debug("Failed to forget network", "ssid", ssid, "err", err)
		}
	}
	if s.cfg.AccessPoint == nil || s.cfg.AccessPoint.Active(ctx) {
		return
	}
	log.Info("Access point dropped during the attempt, restarting it")
	if err := s.cfg.AccessPoint.Start(ctx, iface); err != nil {
		log.Error(err, "Failed to restart access point")
	}
}

func (s *Switch) recordAttempt(err error, starting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return
	}
	if starting {
		s.session.Attempts++
		s.session.Busy = true
		return
	}
	s.session.Busy = false
	if err != nil {
		s.session.LastError = err.Error()
	}
}

// closeProvisioning tears down the access point and portal. The portal stops
// asynchronously because the caller may be one of its handlers.
func (s *Switch) closeProvisioning() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if s.cfg.AccessPoint != nil {
		if err := s.cfg.AccessPoint.Stop(ctx); err != nil {
			log.Debug("Failed to stop access point", "err", err)
		}
	}
	portal := s.cfg.Portal
	go func() {
		defer cancel()
		if err := portal.Stop(ctx); err != nil {
			log.Warn("Failed to stop captive portal", "err", err)
		}
	}()

	s.mu.Lock()
	if s.session != nil {
		log.Info("Provisioning finished", "session", s.session.ID, "attempts", s.session.Attempts)
	}
	s.session = nil
	s.mu.Unlock()
}

func (s *Switch) teardown() {
	s.stopGrace()
	if s.State() != StateProvisioning {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.cfg.AccessPoint != nil {
		_ = s.cfg.AccessPoint.Stop(ctx)
	}
	_ = s.cfg.Portal.Stop(ctx)
}

func (s *Switch) cameOnline(reason string) {
	if s.cfg.Refresher != nil {
		s.cfg.Refresher.Trigger(reason)
	}
}

func (s *Switch) fire(event, reason string) {
	s.mu.Lock()
	from := s.fsm.Current()
	err := s.fsm.Event(context.Background(), event)
	if fsmutil.IsRealError(err) {
		s.mu.Unlock()
		log.Error(err, "Invalid connectivity transition", "from", from, "event", event)
		return
	}
	to := State(s.fsm.Current())
	s.state.Store(to)
	s.mu.Unlock()

	log.Info("Connectivity mode changed", "from", from, "to", to, "reason", reason)
	if s.cfg.Listener != nil {
		s.cfg.Listener.OnStatus(core.StatusEvent{
			Component: "connectivity",
			From:      from,
			To:        string(to),
			Reason:    reason,
			At:        s.cfg.Clock.Now(),
		})
	}
}

func (s *Switch) startGrace(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grace != nil {
		s.grace.Stop()
	}
	s.grace = s.cfg.Clock.NewTimer(d)
}

func (s *Switch) stopGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
}

// graceC is nil, and so never ready, without a pending timer.
func (s *Switch) graceC() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grace == nil {
		return nil
	}
	return s.grace.C()
}

var _ Submitter = (*Switch)(nil)
