package connectivity

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/autopeer-io/lockagent/internal/pkg/util/fileutil"
	"github.com/autopeer-io/lockagent/pkg/log"
)

// NetworkStore is the operating system's Wi-Fi configuration.
type NetworkStore interface {
	// WifiInterface returns the first wireless device.
	WifiInterface(ctx context.Context) (string, error)

	// HasCredentials reports whether any client network is configured.
	HasCredentials(ctx context.Context) (bool, error)

	// Connect joins the network on iface.
	Connect(ctx context.Context, iface string, c Credentials) error

	// Forget removes the profile of a network that failed to connect.
	Forget(ctx context.Context, ssid string) error

	// Persist records working credentials for future boots.
	Persist(c Credentials) error
}

var ErrNoWifiInterface = errors.New("no Wi-Fi interface found")

// NetworkManager configures Wi-Fi through nmcli and mirrors working
// credentials into wpa_supplicant.conf.
type NetworkManager struct {
	Nmcli Commander

	// Supplicant is updated by Persist when set.
	Supplicant *SupplicantFile

	// Ignore lists connection names that are not client networks, such as
	// the provisioning hotspot.
	Ignore []string
}

func (nm *NetworkManager) WifiInterface(ctx context.Context) (string, error) {
	rows, err := terseRows(ctx, nm.Nmcli, "-f", "DEVICE,TYPE", "device", "status")
	if err != nil {
		return "", err
	}
	for _, r := range rows {
		if len(r) >= 2 && r[1] == "wifi" && r[0] != "" {
			return r[0], nil
		}
	}
	return "", ErrNoWifiInterface
}

func (nm *NetworkManager) HasCredentials(ctx context.Context) (bool, error) {
	if nm.Supplicant != nil {
		if ok, err := nm.Supplicant.HasNetworks(); err == nil && ok {
			return true, nil
		}
	}

	rows, err := terseRows(ctx, nm.Nmcli, "-f", "NAME,TYPE", "connection", "show")
	if err != nil {
		return false, err
	}
	for _, r := range rows {
		if len(r) < 2 || r[1] != "802-11-wireless" {
			continue
		}
		if nm.ignored(r[0]) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (nm *NetworkManager) Connect(ctx context.Context, iface string, c Credentials) error {
	// A stale profile with the same name would shadow the new password.
	_, _ = nm.Nmcli.Run(ctx, "connection", "delete", c.SSID)

	args := []string{}
	if deadline, ok := ctx.Deadline(); ok {
		if secs := int(time.Until(deadline).Seconds()); secs > 0 {
			args = append(args, "--wait", strconv.Itoa(secs))
		}
	}
	args = append(args, "device", "wifi", "connect", c.SSID, "password", c.Password)
	if iface != "" {
		args = append(args, "ifname", iface)
	}
	if _, err := nm.Nmcli.Run(ctx, args...); err != nil {
		return err
	}
	log.Info("Connected to Wi-Fi network", "ssid", c.SSID, "interface", iface)
	return nil
}

func (nm *NetworkManager) Forget(ctx context.Context, ssid string) error {
	_, err := nm.Nmcli.Run(ctx, "connection", "delete", ssid)
	return err
}

func (nm *NetworkManager) Persist(c Credentials) error {
	if nm.Supplicant == nil {
		return nil
	}
	return nm.Supplicant.Add(c)
}

func (nm *NetworkManager) ignored(name string) bool {
	for _, i := range nm.Ignore {
		if i == name {
			return true
		}
	}
	return false
}

// SupplicantFile is a wpa_supplicant.conf holding network blocks.
type SupplicantFile struct {
	Path string
}

// HasNetworks reports whether the file contains at least one network block.
func (f *SupplicantFile) HasNetworks() (bool, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Contains(data, []byte("network={")), nil
}

// Add appends a WPA-PSK block for c unless the SSID is already present.
func (f *SupplicantFile) Add(c Credentials) error {
	existing, err := os.ReadFile(f.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	ssidLine := `ssid="` + escapeSupplicant(c.SSID) + `"`
	if bytes.Contains(existing, []byte(ssidLine)) {
		log.Info("SSID already present in wpa_supplicant configuration", "ssid", c.SSID, "path", f.Path)
		return nil
	}

	var b strings.Builder
	b.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		b.WriteString("\n")
	}
	b.WriteString("\nnetwork={\n")
	b.WriteString("    " + ssidLine + "\n")
	b.WriteString(`    psk="` + escapeSupplicant(c.Password) + "\"\n")
	b.WriteString("    key_mgmt=WPA-PSK\n")
	b.WriteString("}\n")

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(f.Path, []byte(b.String()), 0o600); err != nil {
		return err
	}
	log.Info("Wi-Fi credentials added to wpa_supplicant configuration", "ssid", c.SSID, "path", f.Path)
	return nil
}

func escapeSupplicant(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v)
}
