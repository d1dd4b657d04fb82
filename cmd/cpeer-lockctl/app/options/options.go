package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/lockagent/internal/lockagent"
	"github.com/autopeer-io/lockagent/pkg/app"
	"github.com/autopeer-io/lockagent/pkg/log"
	"github.com/autopeer-io/lockagent/pkg/options"
)

type CtlOptions struct {
	// Server is the agent's status endpoint, host:port.
	Server  string        `json:"server" mapstructure:"server"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	SyncOptions  *options.SyncOptions  `json:"sync" mapstructure:"sync"`
	FetchOptions *options.FetchOptions `json:"fetch" mapstructure:"fetch"`
	S3Options    *options.S3Options    `json:"s3" mapstructure:"s3"`
	Log          *log.Options          `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*CtlOptions)(nil)

func NewCtlOptions() *CtlOptions {
	o := &CtlOptions{
		Server:       options.NewHttpOptions().Addr,
		Timeout:      5 * time.Second,
		SyncOptions:  options.NewSyncOptions(),
		FetchOptions: options.NewFetchOptions(),
		S3Options:    options.NewS3Options(),
		Log:          log.NewOptions(),
	}
	// Keep stdout for command output.
	o.Log.OutputPaths = []string{"stderr"}
	o.Log.Level = "warn"
	return o
}

func (o *CtlOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.addCtlFlags(fss.FlagSet("lockctl"))
	o.SyncOptions.AddFlags(fss.FlagSet("sync"))
	o.FetchOptions.AddFlags(fss.FlagSet("fetch"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.Log.AddFlags(fss.FlagSet("Log"))
	return fss
}

func (o *CtlOptions) addCtlFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Server, "server", o.Server, "Address of the agent's status server.")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Timeout of a status request.")
}

func (o *CtlOptions) Complete() error {
	o.FetchOptions.ApplyEnvironment()
	return nil
}

func (o *CtlOptions) Validate() error {
	errs := []error{}
	if err := options.ValidateAddress(o.Server); err != nil {
		errs = append(errs, fmt.Errorf("--server: %w", err))
	}
	if o.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("--timeout must be positive"))
	}
	errs = append(errs, o.SyncOptions.Validate()...)
	errs = append(errs, o.FetchOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

// StatusURL is the agent's status document.
func (o *CtlOptions) StatusURL() string {
	return "http://" + o.Server + "/status"
}

// Config returns the agent configuration needed to resolve a module locally.
func (o *CtlOptions) Config() *lockagent.Config {
	return &lockagent.Config{
		SyncOptions:  o.SyncOptions,
		FetchOptions: o.FetchOptions,
		S3Options:    o.S3Options,
	}
}
