package connectivity

import (
	"context"
	"sync"

	"github.com/autopeer-io/lockagent/pkg/log"
)

// AccessPoint is the temporary provisioning network.
type AccessPoint interface {
	Start(ctx context.Context, iface string) error
	Stop(ctx context.Context) error

	// Active reports whether the access point is still up.
	Active(ctx context.Context) bool
}

// Hotspot is an access point created with `nmcli device wifi hotspot`.
type Hotspot struct {
	Nmcli    Commander
	SSID     string
	Password string

	mu    sync.Mutex
	iface string
	conn  string
}

func (h *Hotspot) Start(ctx context.Context, iface string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, _ = h.Nmcli.Run(ctx, "device", "set", iface, "managed", "yes")
	if _, err := h.Nmcli.Run(ctx, "device", "wifi", "hotspot", "ifname", iface, "ssid", h.SSID, "password", h.Password); err != nil {
		return err
	}

	h.iface = iface
	h.conn = h.activeConnection(ctx, iface)
	if h.conn == "" {
		h.conn = "Hotspot"
	}
	log.Info("Access point started", "ssid", h.SSID, "interface", iface, "connection", h.conn)
	return nil
}

func (h *Hotspot) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == "" {
		return nil
	}
	_, err := h.Nmcli.Run(ctx, "connection", "down", h.conn)
	log.Info("Access point stopped", "connection", h.conn)
	h.conn = ""
	return err
}

func (h *Hotspot) Active(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == "" {
		return false
	}
	return h.activeConnection(ctx, h.iface) == h.conn
}

// ConnectionName is the NetworkManager profile backing the access point.
func (h *Hotspot) ConnectionName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

func (h *Hotspot) activeConnection(ctx context.Context, iface string) string {
	rows, err := terseRows(ctx, h.Nmcli, "-f", "NAME,DEVICE", "connection", "show", "--active")
	if err != nil {
		log.Warn("Failed to list active connections", "err", err)
		return ""
	}
	for _, r := range rows {
		if len(r) >= 2 && r[1] == iface {
			return r[0]
		}
	}
	return ""
}
