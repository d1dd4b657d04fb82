package lockagent

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/autopeer-io/lockagent/internal/lockagent/connectivity"
	"github.com/autopeer-io/lockagent/internal/lockagent/core"
	"github.com/autopeer-io/lockagent/internal/lockagent/module"
	"github.com/autopeer-io/lockagent/internal/lockagent/reporter"
	"github.com/autopeer-io/lockagent/internal/lockagent/revision"
	"github.com/autopeer-io/lockagent/internal/lockagent/server"
	"github.com/autopeer-io/lockagent/internal/lockagent/supervisor"
	"github.com/autopeer-io/lockagent/internal/lockagent/watch"
	"github.com/autopeer-io/lockagent/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/lockagent/pkg/log"
	"github.com/autopeer-io/lockagent/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/lockagent/pkg/mqtt/topic"
	"github.com/autopeer-io/lockagent/pkg/options"
)

const userAgent = "cpeer-lock-agent"

type Config struct {
	SyncOptions         *options.SyncOptions
	FetchOptions        *options.FetchOptions
	S3Options           *options.S3Options
	SupervisorOptions   *options.SupervisorOptions
	ConnectivityOptions *options.ConnectivityOptions
	HttpOptions         *options.HttpOptions
	MqttOptions         *options.MqttOptions

	// WatchBundled restarts resolution when the bundled module changes on disk.
	WatchBundled bool

	// DeviceID overrides DiscoverDeviceID when set.
	DeviceID string
}

// BundledPath resolves the bundled module against the deployment path.
func (cfg *Config) BundledPath() string {
	p := cfg.FetchOptions.BundledPath
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.SyncOptions.Path, p)
}

// NewResolver builds the fetch, cache and fallback chain.
func (cfg *Config) NewResolver() (*module.Resolver, error) {
	fo := cfg.FetchOptions

	validator := module.Chain{
		module.ContentValidator{MaxBytes: fo.MaxBytes},
		module.CommandValidator{Command: fo.ValidateCommand, Timeout: fo.ValidateTimeout},
	}

	getters := map[string]module.Getter{}
	httpGetter := &module.HTTPGetter{
		Client:      &http.Client{},
		BearerToken: fo.BearerToken,
		MaxBytes:    fo.MaxBytes,
		UserAgent:   userAgent,
	}
	getters["http"] = httpGetter
	getters["https"] = httpGetter

	if cfg.S3Options != nil {
		s3Getter, err := module.NewS3Getter(cfg.S3Options, fo.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to init s3 getter: %w", err)
		}
		getters["s3"] = s3Getter
	}

	var (
		cache      *module.Cache
		localCache module.LocalCache
	)
	if fo.CacheDir != "" {
		cache = module.NewCache(fo.CacheDir, validator)
		localCache = cache
	}

	var resolver *module.Resolver
	fetcher := module.NewFetcher(module.FetcherConfig{
		Candidates: fo.Candidates(),
		Timeout:    fo.Timeout,
		Getters:    getters,
		Validator:  validator,
		Cache:      cache,
		Rejected:   func(digest string) bool { return resolver.IsRejected(digest) },
	})

	resolver = module.NewResolver(fetcher, localCache, cfg.BundledPath())
	return resolver, nil
}

// NewAgent assembles every component. Nothing is started.
func (cfg *Config) NewAgent() (*Agent, error) {
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = DiscoverDeviceID()
	}
	if deviceID == "" {
		return nil, fmt.Errorf("unable to determine the device ID")
	}

	resolver, err := cfg.NewResolver()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		deviceID:   deviceID,
		deployment: cfg.SyncOptions.Path,
		resolver:   resolver,
		syncer:     revision.NewSyncer(revision.NewGit(cfg.SyncOptions.GitBinary)),
		notifier:   supervisor.SystemdNotifier{},
	}

	// The supervisor is created last; refresh requests are routed lazily.
	refresher := core.RefresherFunc(func(reason string) {
		if a.supervisor != nil {
			a.supervisor.Trigger(reason)
		}
	})

	var listeners core.Listeners
	if cfg.MqttOptions.Enabled() {
		client, topics, err := cfg.initMqttClientAndTopicBuilder(deviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to init mqtt client: %w", err)
		}
		a.reporter = reporter.New(reporter.Config{
			Client:            client,
			Topics:            topics,
			DeviceID:          deviceID,
			Status:            func() any { return a.Status() },
			Refresher:         refresher,
			HeartbeatInterval: cfg.MqttOptions.HeartbeatInterval,
		})
		listeners = append(listeners, a.reporter)
	}

	var conn core.Connectivity = core.AlwaysOnline{}
	if cfg.ConnectivityOptions.Enabled {
		a.modeSwitch = cfg.newSwitch(refresher, listeners)
		conn = a.modeSwitch
	} else {
		log.Info("Connectivity management disabled, assuming the network is always reachable")
	}

	so := cfg.SupervisorOptions
	a.supervisor = supervisor.New(supervisor.Config{
		Resolver: resolver,
		Launcher: &supervisor.ExecLauncher{
			Interpreter: so.Interpreter,
			Dir:         cfg.SyncOptions.Path,
			Env:         so.Env,
		},
		Connectivity:       conn,
		Notifier:           a.notifier,
		Listener:           listeners,
		RestartDelay:       so.RestartDelay,
		MaxRestartDelay:    so.MaxRestartDelay,
		StableAfter:        so.StableAfter,
		StopTimeout:        so.StopTimeout,
		RefreshInterval:    so.RefreshInterval,
		CrashLoopThreshold: so.CrashLoopThreshold,
	})

	if cfg.HttpOptions.Addr != "" {
		a.server = server.NewServer(cfg.HttpOptions, a)
	}

	if cfg.WatchBundled && cfg.BundledPath() != "" {
		a.watcher = &watch.FileWatcher{Path: cfg.BundledPath(), Refresher: refresher}
	}

	return a, nil
}

func (cfg *Config) newSwitch(refresher core.Refresher, listener core.StatusListener) *connectivity.Switch {
	co := cfg.ConnectivityOptions

	nmcli := &connectivity.Nmcli{Binary: co.NmcliBinary}

	var supplicant *connectivity.SupplicantFile
	if co.WPASupplicantPath != "" {
		supplicant = &connectivity.SupplicantFile{Path: co.WPASupplicantPath}
	}

	reachability := connectivity.Any{}
	if len(co.ProbeTargets) > 0 {
		reachability = append(reachability, &connectivity.TCPProber{Targets: co.ProbeTargets, Timeout: co.ProbeTimeout})
	}
	if len(co.ProbeURLs) > 0 {
		reachability = append(reachability, &connectivity.HTTPProber{URLs: co.ProbeURLs, Timeout: co.ProbeTimeout})
	}
	if len(co.ProbeHosts) > 0 {
		reachability = append(reachability, &connectivity.DNSProber{Hosts: co.ProbeHosts, Timeout: co.ProbeTimeout})
	}

	var prober connectivity.Prober = reachability
	if len(co.Links) > 0 {
		prober = connectivity.Gate{Check: &connectivity.LinkProber{Names: co.Links}, Next: reachability}
	}

	return connectivity.New(connectivity.Config{
		Prober: prober,
		Store: &connectivity.NetworkManager{
			Nmcli:      nmcli,
			Supplicant: supplicant,
			// The access point profile is not a client network.
			Ignore: []string{co.APSSID, "Hotspot"},
		},
		AccessPoint:      &connectivity.Hotspot{Nmcli: nmcli, SSID: co.APSSID, Password: co.APPassword},
		PortalAddr:       co.PortalAddr,
		Interface:        co.WifiInterface,
		APSSID:           co.APSSID,
		ProbeInterval:    co.ProbeInterval,
		FailureThreshold: co.FailureThreshold,
		GracePeriod:      co.GracePeriod,
		ConnectTimeout:   co.ConnectTimeout,
		Refresher:        refresher,
		Listener:         listener,
	})
}

func (cfg *Config) initMqttClientAndTopicBuilder(deviceID string) (mqtt.Client, *mqtttopic.Builder, error) {
	topicBuilder := mqtttopic.NewBuilder(cfg.MqttOptions.TopicRoot)

	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = fmt.Sprintf("cpeer-lock-%s", deviceID)
	}

	mqttConfig.WillTopic = topicBuilder.Build(paths.Online, deviceID)
	mqttConfig.WillPayload = reporter.OfflineWill(deviceID)
	mqttConfig.WillQoS = 1
	mqttConfig.WillRetain = true

	mqttClient, err := mqtt.NewClient(mqttConfig)
	if err != nil {
		return nil, nil, err
	}

	return mqttClient, topicBuilder, nil
}
