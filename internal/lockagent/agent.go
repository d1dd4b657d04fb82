package lockagent

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/lockagent/internal/lockagent/connectivity"
	"github.com/autopeer-io/lockagent/internal/lockagent/module"
	"github.com/autopeer-io/lockagent/internal/lockagent/reporter"
	"github.com/autopeer-io/lockagent/internal/lockagent/revision"
	"github.com/autopeer-io/lockagent/internal/lockagent/server"
	"github.com/autopeer-io/lockagent/internal/lockagent/supervisor"
	"github.com/autopeer-io/lockagent/internal/lockagent/watch"
	"github.com/autopeer-io/lockagent/pkg/log"
)

// Status is the document served on /status and published over MQTT.
type Status struct {
	DeviceID     string                `json:"deviceID"`
	Revision     string                `json:"revision,omitempty"`
	Supervision  supervisor.Snapshot   `json:"supervision"`
	Connectivity connectivity.State    `json:"connectivity"`
	Session      *connectivity.Session `json:"session,omitempty"`
	ActiveModule *module.ControlModule `json:"activeModule,omitempty"`
	Time         time.Time             `json:"time"`
}

type Agent struct {
	deviceID   string
	deployment string

	resolver   *module.Resolver
	syncer     *revision.Syncer
	supervisor *supervisor.Supervisor
	modeSwitch *connectivity.Switch
	notifier   supervisor.SystemdNotifier
	server     *server.Server
	reporter   *reporter.Reporter
	watcher    *watch.FileWatcher

	mu       sync.Mutex
	revision string
}

var _ server.Source = (*Agent)(nil)

// Run starts every component and blocks until ctx is cancelled or one of them
// fails. The control module is stopped before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	log.Info("Starting cpeer-lock-agent", "deviceID", a.deviceID, "deployment", a.deployment)
	a.readRevision(ctx)
	go a.notifier.Watchdog(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.supervisor.Run(ctx)
	})
	if a.modeSwitch != nil {
		g.Go(func() error {
			return a.modeSwitch.Run(ctx)
		})
	}
	if a.server != nil {
		g.Go(func() error {
			return a.server.Start(ctx)
		})
	}
	if a.reporter != nil {
		g.Go(func() error {
			return a.reporter.Start(ctx)
		})
	}
	if a.watcher != nil {
		// Losing the watcher only loses hot reload of the bundled module.
		g.Go(func() error {
			if err := a.watcher.Start(ctx); err != nil {
				log.Warn("Bundled module watcher stopped", "err", err)
			}
			return nil
		})
	}

	err := g.Wait()
	a.notifier.Stopping()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error(err, "Agent stopped with error")
		return err
	}
	log.Info("Agent shutting down...")
	return nil
}

// readRevision records the deployed commit when the install path is a git
// working copy.
func (a *Agent) readRevision(ctx context.Context) {
	rev, err := a.syncer.Revision(ctx, a.deployment)
	if err != nil {
		log.Debug("Deployment revision unavailable", "path", a.deployment, "err", err)
		return
	}
	a.mu.Lock()
	a.revision = rev
	a.mu.Unlock()
	log.Info("Deployment revision", "revision", rev)
}

// Status implements server.Source.
func (a *Agent) Status() any {
	return a.snapshot()
}

func (a *Agent) snapshot() Status {
	a.mu.Lock()
	rev := a.revision
	a.mu.Unlock()

	st := Status{
		DeviceID:     a.deviceID,
		Revision:     rev,
		Supervision:  a.supervisor.Snapshot(),
		Connectivity: connectivity.StateOnline,
		ActiveModule: a.resolver.Active(),
		Time:         time.Now(),
	}
	if a.modeSwitch != nil {
		st.Connectivity = a.modeSwitch.State()
		st.Session = a.modeSwitch.Session()
	}
	return st
}

// Ready implements server.Source.
func (a *Agent) Ready() bool {
	return a.supervisor.Running()
}
