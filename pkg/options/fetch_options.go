package options

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*FetchOptions)(nil)

// Environment names honoured for compatibility with the field installer.
const (
	EnvPrimaryURL     = "GITLAB_GPIO_RAW_URL"
	EnvAdditionalURLs = "CLOUD_GPIO_ADDITIONAL_URLS"
	EnvHTTPTimeout    = "BOOTSTRAP_HTTP_TIMEOUT"
	EnvBearerToken    = "CLOUD_BEARER_TOKEN"
	EnvGithubToken    = "GITHUB_TOKEN"
)

// FetchOptions configures remote control-module retrieval and the local
// fallbacks.
type FetchOptions struct {
	// URLs are the candidate locations, tried in order. http, https and s3
	// schemes are supported.
	URLs []string `json:"urls" mapstructure:"urls"`

	// Timeout bounds each candidate attempt.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// BearerToken is sent as an Authorization header to http candidates.
	BearerToken string `json:"bearer-token" mapstructure:"bearer-token"`

	// MaxBytes caps the size of a fetched module.
	MaxBytes int64 `json:"max-bytes" mapstructure:"max-bytes"`

	// CacheDir stores validated modules across restarts.
	CacheDir string `json:"cache-dir" mapstructure:"cache-dir"`

	// BundledPath is the module shipped with the deployment. Relative paths
	// are resolved against the deployment path.
	BundledPath string `json:"bundled-path" mapstructure:"bundled-path"`

	// ValidateCommand runs a syntax check on a candidate; "{file}" is replaced
	// by the candidate path. Empty disables the check.
	ValidateCommand []string `json:"validate-command" mapstructure:"validate-command"`

	// ValidateTimeout bounds ValidateCommand.
	ValidateTimeout time.Duration `json:"validate-timeout" mapstructure:"validate-timeout"`
}

func NewFetchOptions() *FetchOptions {
	return &FetchOptions{
		URLs: []string{
			"https://raw.githubusercontent.com/hertz786/IOT/main/gpio_main.py",
			"https://raw.githubusercontent.com/hertz786/IOT/master/gpio_main.py",
		},
		Timeout:     15 * time.Second,
		MaxBytes:    1 << 20,
		CacheDir:    "/var/lib/smartlock/modules",
		BundledPath: "gpio_main.py",
		ValidateCommand: []string{
			"python3", "-c",
			"import ast,sys; ast.parse(open(sys.argv[1],'rb').read(), sys.argv[1])",
			"{file}",
		},
		ValidateTimeout: 10 * time.Second,
	}
}

// ApplyEnvironment overlays the installer environment variables.
func (o *FetchOptions) ApplyEnvironment() {
	var urls []string
	if v, ok := legacyString(EnvPrimaryURL); ok {
		urls = append(urls, v)
	}
	if v, ok := legacyString(EnvAdditionalURLs); ok {
		urls = append(urls, splitList(v)...)
	}
	if len(urls) > 0 {
		o.URLs = urls
	}
	if d, ok := legacySeconds(EnvHTTPTimeout); ok {
		o.Timeout = d
	}
	if o.BearerToken == "" {
		if v, ok := legacyString(EnvBearerToken, EnvGithubToken); ok {
			o.BearerToken = v
		}
	}
}

// Candidates returns URLs without blanks and duplicates, order preserved.
func (o *FetchOptions) Candidates() []string {
	seen := make(map[string]struct{}, len(o.URLs))
	out := make([]string, 0, len(o.URLs))
	for _, u := range o.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func (o *FetchOptions) Validate() []error {
	errors := []error{}

	for _, u := range o.Candidates() {
		if err := ValidateURL(u, "http", "https", "s3"); err != nil {
			errors = append(errors, err)
		}
	}
	if o.Timeout <= 0 {
		errors = append(errors, fmt.Errorf("fetch.timeout must be positive"))
	}
	if o.MaxBytes <= 0 {
		errors = append(errors, fmt.Errorf("fetch.max-bytes must be positive"))
	}
	if o.CacheDir == "" {
		errors = append(errors, fmt.Errorf("fetch.cache-dir must not be empty"))
	}
	if o.BundledPath == "" {
		errors = append(errors, fmt.Errorf("fetch.bundled-path must not be empty"))
	}
	if len(o.ValidateCommand) > 0 && o.ValidateTimeout <= 0 {
		errors = append(errors, fmt.Errorf("fetch.validate-timeout must be positive"))
	}

	return errors
}

func (o *FetchOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringSliceVar(&o.URLs, "fetch.urls", o.URLs, "Ordered candidate locations of the control module (http, https or s3).")
	fs.DurationVar(&o.Timeout, "fetch.timeout", o.Timeout, "Timeout of a single candidate download.")
	fs.StringVar(&o.BearerToken, "fetch.bearer-token", o.BearerToken, "Bearer token sent to http candidates.")
	fs.Int64Var(&o.MaxBytes, "fetch.max-bytes", o.MaxBytes, "Largest accepted control module in bytes.")
	fs.StringVar(&o.CacheDir, "fetch.cache-dir", o.CacheDir, "Directory holding the last validated modules.")
	fs.StringVar(&o.BundledPath, "fetch.bundled-path", o.BundledPath, "Bundled default module, relative to the deployment path unless absolute.")
	fs.StringSliceVar(&o.ValidateCommand, "fetch.validate-command", o.ValidateCommand, "Syntax check run on a candidate; {file} is the candidate path. Empty disables it.")
	fs.DurationVar(&o.ValidateTimeout, "fetch.validate-timeout", o.ValidateTimeout, "Timeout of the syntax check.")
}
