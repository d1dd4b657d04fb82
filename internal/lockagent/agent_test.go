package lockagent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/lockagent/internal/lockagent/connectivity"
	"github.com/autopeer-io/lockagent/internal/lockagent/module"
	"github.com/autopeer-io/lockagent/internal/lockagent/supervisor"
	"github.com/autopeer-io/lockagent/pkg/options"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	deploy := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(deploy, "gpio_main.py"), []byte("sleep 30\n"), 0o644))

	cfg := &Config{
		SyncOptions:         options.NewSyncOptions(),
		FetchOptions:        options.NewFetchOptions(),
		S3Options:           options.NewS3Options(),
		SupervisorOptions:   options.NewSupervisorOptions(),
		ConnectivityOptions: options.NewConnectivityOptions(),
		HttpOptions:         options.NewHttpOptions(),
		MqttOptions:         options.NewMqttOptions(),
		DeviceID:            "lock-test",
	}
	cfg.SyncOptions.Path = deploy
	cfg.FetchOptions.URLs = nil
	cfg.FetchOptions.CacheDir = filepath.Join(t.TempDir(), "cache")
	cfg.SupervisorOptions.Interpreter = []string{"sh"}
	cfg.SupervisorOptions.StopTimeout = time.Second
	cfg.ConnectivityOptions.Enabled = false
	cfg.HttpOptions.Addr = ""
	return cfg
}

func TestBundledPath(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, filepath.Join(cfg.SyncOptions.Path, "gpio_main.py"), cfg.BundledPath())

	cfg.FetchOptions.BundledPath = "/usr/share/smartlock/gpio_main.py"
	assert.Equal(t, "/usr/share/smartlock/gpio_main.py", cfg.BundledPath())
}

func TestResolverFallsBackToBundled(t *testing.T) {
	cfg := testConfig(t)
	r, err := cfg.NewResolver()
	require.NoError(t, err)

	m := r.Resolve(context.Background(), true)
	require.NotNil(t, m)
	assert.Equal(t, module.SourceBundled, m.Source)
	assert.Equal(t, cfg.BundledPath(), m.Path)
}

func TestNewAgentWiring(t *testing.T) {
	cfg := testConfig(t)
	a, err := cfg.NewAgent()
	require.NoError(t, err)
	assert.Nil(t, a.modeSwitch)
	assert.Nil(t, a.server)
	assert.Nil(t, a.reporter)
	assert.Nil(t, a.watcher)

	cfg.ConnectivityOptions.Enabled = true
	cfg.HttpOptions.Addr = "127.0.0.1:0"
	cfg.WatchBundled = true
	a, err = cfg.NewAgent()
	require.NoError(t, err)
	assert.NotNil(t, a.modeSwitch)
	assert.NotNil(t, a.server)
	assert.NotNil(t, a.watcher)
}

func TestAgentRunsBundledModule(t *testing.T) {
	cfg := testConfig(t)
	a, err := cfg.NewAgent()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.Ready, 5*time.Second, 10*time.Millisecond)

	st := a.Status().(Status)
	assert.Equal(t, "lock-test", st.DeviceID)
	assert.Equal(t, supervisor.StateRunning, st.Supervision.State)
	assert.NotZero(t, st.Supervision.PID)
	assert.Equal(t, connectivity.StateOnline, st.Connectivity)
	require.NotNil(t, st.ActiveModule)
	assert.Equal(t, module.SourceBundled, st.ActiveModule.Source)

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"connectivity":"online"`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.Equal(t, supervisor.StateStopped, a.supervisor.Snapshot().State)
	assert.False(t, a.Ready())
}
