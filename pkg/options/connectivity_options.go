package options

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*ConnectivityOptions)(nil)

const (
	EnvProbeHost = "BOOTSTRAP_INET_HOST"
	EnvProbePort = "BOOTSTRAP_INET_PORT"
)

// ConnectivityOptions configures reachability probing and the provisioning
// access point.
type ConnectivityOptions struct {
	// Enabled turns the mode switch on. When off the device is always online.
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// ProbeTargets are host:port pairs dialled over TCP.
	ProbeTargets []string `json:"probe-targets" mapstructure:"probe-targets"`

	// ProbeURLs are fetched with GET; any 2xx counts.
	ProbeURLs []string `json:"probe-urls" mapstructure:"probe-urls"`

	// ProbeHosts are resolved through DNS.
	ProbeHosts []string `json:"probe-hosts" mapstructure:"probe-hosts"`

	// Links, when set, must contain at least one operationally up interface
	// before any remote probe is attempted.
	Links []string `json:"links" mapstructure:"links"`

	ProbeInterval    time.Duration `json:"probe-interval" mapstructure:"probe-interval"`
	ProbeTimeout     time.Duration `json:"probe-timeout" mapstructure:"probe-timeout"`
	FailureThreshold int           `json:"failure-threshold" mapstructure:"failure-threshold"`

	// GracePeriod is how long an offline device with stored credentials waits
	// for the network before opening the access point.
	GracePeriod time.Duration `json:"grace-period" mapstructure:"grace-period"`

	// WifiInterface is the wireless device; detected when empty.
	WifiInterface string `json:"wifi-interface" mapstructure:"wifi-interface"`

	APSSID     string `json:"ap-ssid" mapstructure:"ap-ssid"`
	APPassword string `json:"ap-password" mapstructure:"ap-password"`

	PortalAddr string `json:"portal-addr" mapstructure:"portal-addr"`

	// ConnectTimeout bounds joining a submitted network.
	ConnectTimeout time.Duration `json:"connect-timeout" mapstructure:"connect-timeout"`

	WPASupplicantPath string `json:"wpa-supplicant-path" mapstructure:"wpa-supplicant-path"`
	NmcliBinary       string `json:"nmcli-binary" mapstructure:"nmcli-binary"`
}

func NewConnectivityOptions() *ConnectivityOptions {
	return &ConnectivityOptions{
		Enabled:           true,
		ProbeTargets:      []string{"1.1.1.1:53", "8.8.8.8:53"},
		ProbeInterval:     10 * time.Second,
		ProbeTimeout:      3 * time.Second,
		FailureThreshold:  3,
		GracePeriod:       2 * time.Minute,
		APSSID:            "SmartLock-Setup",
		APPassword:        "electroniccliks",
		PortalAddr:        "0.0.0.0:80",
		ConnectTimeout:    30 * time.Second,
		WPASupplicantPath: "/etc/wpa_supplicant/wpa_supplicant.conf",
		NmcliBinary:       "nmcli",
	}
}

// ApplyEnvironment replaces the first probe target with
// BOOTSTRAP_INET_HOST:BOOTSTRAP_INET_PORT when either is set.
func (o *ConnectivityOptions) ApplyEnvironment() {
	host, hasHost := legacyString(EnvProbeHost)
	port, hasPort := legacyString(EnvProbePort)
	if !hasHost && !hasPort {
		return
	}

	defHost, defPort := "1.1.1.1", "53"
	if len(o.ProbeTargets) > 0 {
		if h, p, err := net.SplitHostPort(o.ProbeTargets[0]); err == nil {
			defHost, defPort = h, p
		}
	}
	if !hasHost {
		host = defHost
	}
	if !hasPort {
		port = defPort
	}

	target := net.JoinHostPort(host, port)
	if len(o.ProbeTargets) == 0 {
		o.ProbeTargets = []string{target}
		return
	}
	o.ProbeTargets = append([]string{target}, o.ProbeTargets[1:]...)
}

func (o *ConnectivityOptions) Validate() []error {
	if !o.Enabled {
		return nil
	}

	errors := []error{}

	if len(o.ProbeTargets)+len(o.ProbeURLs)+len(o.ProbeHosts) == 0 {
		errors = append(errors, fmt.Errorf("at least one connectivity probe must be configured"))
	}
	for _, t := range o.ProbeTargets {
		if err := ValidateAddress(t); err != nil {
			errors = append(errors, err)
		}
	}
	for _, u := range o.ProbeURLs {
		if err := ValidateURL(u, "http", "https"); err != nil {
			errors = append(errors, err)
		}
	}
	if o.ProbeInterval <= 0 || o.ProbeTimeout <= 0 {
		errors = append(errors, fmt.Errorf("connectivity.probe-interval and connectivity.probe-timeout must be positive"))
	}
	if o.FailureThreshold < 1 {
		errors = append(errors, fmt.Errorf("connectivity.failure-threshold must be at least 1"))
	}
	if o.GracePeriod < 0 {
		errors = append(errors, fmt.Errorf("connectivity.grace-period must not be negative"))
	}
	if n := len(o.APSSID); n == 0 || n > 32 {
		errors = append(errors, fmt.Errorf("connectivity.ap-ssid must be 1 to 32 bytes"))
	}
	if n := len(o.APPassword); n < 8 || n > 63 {
		errors = append(errors, fmt.Errorf("connectivity.ap-password must be 8 to 63 characters"))
	}
	if err := ValidateAddress(o.PortalAddr); err != nil {
		errors = append(errors, err)
	}
	if o.ConnectTimeout <= 0 {
		errors = append(errors, fmt.Errorf("connectivity.connect-timeout must be positive"))
	}

	return errors
}

func (o *ConnectivityOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "connectivity.enabled", o.Enabled, "Watch reachability and open a provisioning access point when offline.")
	fs.StringSliceVar(&o.ProbeTargets, "connectivity.probe-targets", o.ProbeTargets, "host:port pairs dialled to decide reachability.")
	fs.StringSliceVar(&o.ProbeURLs, "connectivity.probe-urls", o.ProbeURLs, "URLs fetched to decide reachability.")
	fs.StringSliceVar(&o.ProbeHosts, "connectivity.probe-hosts", o.ProbeHosts, "Host names resolved to decide reachability.")
	fs.StringSliceVar(&o.Links, "connectivity.links", o.Links, "Network interfaces of which one must be up before probing.")
	fs.DurationVar(&o.ProbeInterval, "connectivity.probe-interval", o.ProbeInterval, "Interval between probe rounds.")
	fs.DurationVar(&o.ProbeTimeout, "connectivity.probe-timeout", o.ProbeTimeout, "Timeout of a single probe.")
	fs.IntVar(&o.FailureThreshold, "connectivity.failure-threshold", o.FailureThreshold, "Consecutive failed rounds before the device is offline.")
	fs.DurationVar(&o.GracePeriod, "connectivity.grace-period", o.GracePeriod, "Time an offline device with saved credentials waits before provisioning.")
	fs.StringVar(&o.WifiInterface, "connectivity.wifi-interface", o.WifiInterface, "Wireless interface; detected when empty.")
	fs.StringVar(&o.APSSID, "connectivity.ap-ssid", o.APSSID, "SSID of the provisioning access point.")
	fs.StringVar(&o.APPassword, "connectivity.ap-password", o.APPassword, "WPA password of the provisioning access point.")
	fs.StringVar(&o.PortalAddr, "connectivity.portal-addr", o.PortalAddr, "Listen address of the captive portal.")
	fs.DurationVar(&o.ConnectTimeout, "connectivity.connect-timeout", o.ConnectTimeout, "Timeout for joining a submitted network.")
	fs.StringVar(&o.WPASupplicantPath, "connectivity.wpa-supplicant-path", o.WPASupplicantPath, "wpa_supplicant configuration receiving accepted credentials. Empty skips it.")
	fs.StringVar(&o.NmcliBinary, "connectivity.nmcli-binary", o.NmcliBinary, "Path to the NetworkManager CLI.")
}
