package connectivity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedNmcli answers commands from a table keyed by the joined args.
type scriptedNmcli struct {
	outputs map[string]string
	fail    map[string]error
	calls   [][]string
}

func (s *scriptedNmcli) Run(_ context.Context, args ...string) (string, error) {
	s.calls = append(s.calls, args)
	key := strings.Join(args, " ")
	if err, ok := s.fail[key]; ok {
		return "", err
	}
	return s.outputs[key], nil
}

func (s *scriptedNmcli) called(prefix string) bool {
	for _, c := range s.calls {
		if strings.HasPrefix(strings.Join(c, " "), prefix) {
			return true
		}
	}
	return false
}

func TestSplitTerse(t *testing.T) {
	assert.Equal(t, []string{"wlan0", "wifi", "connected"}, splitTerse("wlan0:wifi:connected"))
	assert.Equal(t, []string{`My:Net`, "802-11-wireless"}, splitTerse(`My\:Net:802-11-wireless`))
	assert.Equal(t, []string{`back\slash`, ""}, splitTerse(`back\\slash:`))
}

func TestRedact(t *testing.T) {
	args := []string{"device", "wifi", "connect", "HomeNet", "password", "secret"}
	assert.Equal(t, []string{"device", "wifi", "connect", "HomeNet", "password", "******"}, redact(args))
	assert.Equal(t, "secret", args[5], "input is not modified")
}

func TestWifiInterface(t *testing.T) {
	nm := &NetworkManager{Nmcli: &scriptedNmcli{outputs: map[string]string{
		"-t -f DEVICE,TYPE device status": "eth0:ethernet\nlo:loopback\nwlan0:wifi\n",
	}}}
	iface, err := nm.WifiInterface(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wlan0", iface)

	nm = &NetworkManager{Nmcli: &scriptedNmcli{outputs: map[string]string{
		"-t -f DEVICE,TYPE device status": "eth0:ethernet\n",
	}}}
	_, err = nm.WifiInterface(context.Background())
	assert.ErrorIs(t, err, ErrNoWifiInterface)
}

func TestHasCredentials(t *testing.T) {
	ctx := context.Background()
	const query = "-t -f NAME,TYPE connection show"

	nm := &NetworkManager{
		Nmcli:  &scriptedNmcli{outputs: map[string]string{query: "Wired:802-3-ethernet\nHotspot:802-11-wireless\n"}},
		Ignore: []string{"Hotspot"},
	}
	ok, err := nm.HasCredentials(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	nm.Nmcli = &scriptedNmcli{outputs: map[string]string{query: "HomeNet:802-11-wireless\n"}}
	ok, err = nm.HasCredentials(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	conf := filepath.Join(t.TempDir(), "wpa_supplicant.conf")
	require.NoError(t, os.WriteFile(conf, []byte("ctrl_interface=/run/wpa\nnetwork={\n ssid=\"x\"\n}\n"), 0o600))
	nm = &NetworkManager{
		Nmcli:      &scriptedNmcli{fail: map[string]error{query: errors.New("NetworkManager is not running")}},
		Supplicant: &SupplicantFile{Path: conf},
	}
	ok, err = nm.HasCredentials(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "supplicant networks count as credentials")
}

func TestConnectCommandLine(t *testing.T) {
	nmcli := &scriptedNmcli{}
	nm := &NetworkManager{Nmcli: nmcli}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, nm.Connect(ctx, "wlan0", Credentials{SSID: "HomeNet", Password: "correct-horse"}))

	require.Len(t, nmcli.calls, 2)
	assert.Equal(t, []string{"connection", "delete", "HomeNet"}, nmcli.calls[0])

	connect := nmcli.calls[1]
	assert.Equal(t, "--wait", connect[0])
	assert.Equal(t, []string{"device", "wifi", "connect", "HomeNet", "password", "correct-horse", "ifname", "wlan0"}, connect[2:])
}

func TestSupplicantFileAdd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "wpa_supplicant.conf")
	f := &SupplicantFile{Path: path}

	ok, err := f.HasNetworks()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.Add(Credentials{SSID: `Cafe "Quote"`, Password: `pa\ss"word`}))
	require.NoError(t, f.Add(Credentials{SSID: `Cafe "Quote"`, Password: "another-one"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Equal(t, 1, strings.Count(content, "network={"), "duplicate SSIDs are not appended")
	assert.Contains(t, content, `ssid="Cafe \"Quote\""`)
	assert.Contains(t, content, `psk="pa\\ss\"word"`)
	assert.Contains(t, content, "key_mgmt=WPA-PSK")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	ok, err = f.HasNetworks()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSupplicantFileKeepsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wpa_supplicant.conf")
	require.NoError(t, os.WriteFile(path, []byte("country=US"), 0o600))

	require.NoError(t, (&SupplicantFile{Path: path}).Add(Credentials{SSID: "HomeNet", Password: "correct-horse"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "country=US\n\nnetwork={"))
}

func TestHotspot(t *testing.T) {
	nmcli := &scriptedNmcli{outputs: map[string]string{
		"-t -f NAME,DEVICE connection show --active": "Hotspot-1:wlan0\nWired:eth0\n",
	}}
	h := &Hotspot{Nmcli: nmcli, SSID: "SmartLock-Setup", Password: "electroniccliks"}
	ctx := context.Background()

	require.NoError(t, h.Start(ctx, "wlan0"))
	assert.True(t, nmcli.called("device wifi hotspot ifname wlan0 ssid SmartLock-Setup password electroniccliks"))
	assert.Equal(t, "Hotspot-1", h.ConnectionName())
	assert.True(t, h.Active(ctx))

	require.NoError(t, h.Stop(ctx))
	assert.True(t, nmcli.called("connection down Hotspot-1"))
	assert.False(t, h.Active(ctx))
}

func TestHotspotStartFailure(t *testing.T) {
	nmcli := &scriptedNmcli{fail: map[string]error{
		"device wifi hotspot ifname wlan0 ssid S password P": errors.New("no AP support"),
	}}
	h := &Hotspot{Nmcli: nmcli, SSID: "S", Password: "P"}
	assert.Error(t, h.Start(context.Background(), "wlan0"))
	assert.Empty(t, h.ConnectionName())
}
