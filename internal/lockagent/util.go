package lockagent

import (
	"os"
	"strings"

	"github.com/autopeer-io/lockagent/pkg/log"
)

// EnvDeviceID overrides every other source of the device identity.
const EnvDeviceID = "LOCKAGENT_DEVICE_ID"

// Identity files, tried in order.
var deviceIDFiles = []string{"/etc/smartlock/device-id", "/etc/machine-id"}

// DiscoverDeviceID returns a stable identity for telemetry. The installer
// may pin one through the environment or /etc/smartlock/device-id; otherwise
// the machine ID and finally the hostname are used.
func DiscoverDeviceID() string {
	return discoverDeviceID(os.Getenv, deviceIDFiles, os.Hostname)
}

func discoverDeviceID(getenv func(string) string, files []string, hostname func() (string, error)) string {
	if id := strings.TrimSpace(getenv(EnvDeviceID)); id != "" {
		log.Info("DeviceID detected from env", "id", id)
		return id
	}

	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(content)); id != "" {
			log.Info("DeviceID detected from file", "id", id, "file", f)
			return id
		}
	}

	if h, err := hostname(); err == nil && h != "" {
		log.Info("DeviceID falls back to hostname", "id", h)
		return h
	}
	return ""
}
