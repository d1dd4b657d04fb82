package options

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:8089", ":80", "0.0.0.0:0", "localhost:1883"} {
		assert.NoError(t, ValidateAddress(addr), addr)
	}
	for _, addr := range []string{"", "127.0.0.1", "host:port", "1.2.3.4:70000"} {
		assert.Error(t, ValidateAddress(addr), addr)
	}
}

func TestDefaultsAreValid(t *testing.T) {
	groups := map[string]IOptions{
		"http":         NewHttpOptions(),
		"mqtt":         NewMqttOptions(),
		"s3":           NewS3Options(),
		"sync":         NewSyncOptions(),
		"fetch":        NewFetchOptions(),
		"supervisor":   NewSupervisorOptions(),
		"connectivity": NewConnectivityOptions(),
	}
	for name, o := range groups {
		assert.Empty(t, o.Validate(), name)
	}
}

func TestFetchCandidatesDeduplicates(t *testing.T) {
	o := NewFetchOptions()
	o.URLs = []string{" https://a/x.py", "", "https://b/x.py", "https://a/x.py"}
	assert.Equal(t, []string{"https://a/x.py", "https://b/x.py"}, o.Candidates())
}

func TestFetchApplyEnvironment(t *testing.T) {
	t.Setenv(EnvPrimaryURL, "https://primary.example/gpio_main.py")
	t.Setenv(EnvAdditionalURLs, "https://mirror1.example/m.py, ,https://mirror2.example/m.py")
	t.Setenv(EnvHTTPTimeout, "7.5")
	t.Setenv(EnvBearerToken, "")
	t.Setenv(EnvGithubToken, "ghp_token")

	o := NewFetchOptions()
	o.ApplyEnvironment()

	assert.Equal(t, []string{
		"https://primary.example/gpio_main.py",
		"https://mirror1.example/m.py",
		"https://mirror2.example/m.py",
	}, o.URLs)
	assert.Equal(t, 7500*time.Millisecond, o.Timeout)
	assert.Equal(t, "ghp_token", o.BearerToken)
}

func TestFetchValidateRejectsUnknownScheme(t *testing.T) {
	o := NewFetchOptions()
	o.URLs = []string{"ftp://example.com/m.py", "s3://bucket/key.py"}
	errs := o.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "ftp://")
}

func TestConnectivityApplyEnvironment(t *testing.T) {
	t.Setenv(EnvProbeHost, "9.9.9.9")

	o := NewConnectivityOptions()
	o.ApplyEnvironment()
	assert.Equal(t, []string{"9.9.9.9:53", "8.8.8.8:53"}, o.ProbeTargets)
}

func TestConnectivityValidate(t *testing.T) {
	o := NewConnectivityOptions()
	o.APPassword = "short"
	o.FailureThreshold = 0
	assert.Len(t, o.Validate(), 2)

	o.Enabled = false
	assert.Empty(t, o.Validate())
}

func TestSyncValidateForSync(t *testing.T) {
	o := NewSyncOptions()
	assert.Empty(t, o.Validate())
	assert.Len(t, o.ValidateForSync(), 1)

	o.RepoURL = "https://example.com/lock.git"
	o.Path = "relative"
	assert.Len(t, o.ValidateForSync(), 1)
}

func TestMqttDisabledByDefault(t *testing.T) {
	o := NewMqttOptions()
	assert.False(t, o.Enabled())

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--mqtt.broker=tcp://broker:1883"}))
	assert.True(t, o.Enabled())
	assert.Empty(t, o.Validate())
}
