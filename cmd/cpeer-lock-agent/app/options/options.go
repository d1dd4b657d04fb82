package options

import (
	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/lockagent/internal/lockagent"
	"github.com/autopeer-io/lockagent/pkg/app"
	"github.com/autopeer-io/lockagent/pkg/log"
	"github.com/autopeer-io/lockagent/pkg/options"
)

// DefaultLogFile is the agent's file sink; log.ResolveOutputPaths moves it
// next to the working directory when /var/log is not writable.
const DefaultLogFile = "/var/log/electronicclicks/agent.log"

type AgentOptions struct {
	SyncOptions         *options.SyncOptions         `json:"sync" mapstructure:"sync"`
	FetchOptions        *options.FetchOptions        `json:"fetch" mapstructure:"fetch"`
	S3Options           *options.S3Options           `json:"s3" mapstructure:"s3"`
	SupervisorOptions   *options.SupervisorOptions   `json:"supervisor" mapstructure:"supervisor"`
	ConnectivityOptions *options.ConnectivityOptions `json:"connectivity" mapstructure:"connectivity"`
	HttpOptions         *options.HttpOptions         `json:"http" mapstructure:"http"`
	MqttOptions         *options.MqttOptions         `json:"mqtt" mapstructure:"mqtt"`
	Log                 *log.Options                 `json:"log" mapstructure:"log"`

	WatchBundled bool   `json:"watch-bundled" mapstructure:"watch-bundled"`
	DeviceID     string `json:"device-id" mapstructure:"device-id"`
}

var _ app.NamedFlagSetOptions = (*AgentOptions)(nil)

func NewAgentOptions() *AgentOptions {
	o := &AgentOptions{
		SyncOptions:         options.NewSyncOptions(),
		FetchOptions:        options.NewFetchOptions(),
		S3Options:           options.NewS3Options(),
		SupervisorOptions:   options.NewSupervisorOptions(),
		ConnectivityOptions: options.NewConnectivityOptions(),
		HttpOptions:         options.NewHttpOptions(),
		MqttOptions:         options.NewMqttOptions(),
		Log:                 log.NewOptions(),
		WatchBundled:        true,
	}
	o.Log.OutputPaths = []string{"stdout", DefaultLogFile}

	return o
}

func (o *AgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.SyncOptions.AddFlags(fss.FlagSet("sync"))
	o.FetchOptions.AddFlags(fss.FlagSet("fetch"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.SupervisorOptions.AddFlags(fss.FlagSet("supervisor"))
	o.ConnectivityOptions.AddFlags(fss.FlagSet("connectivity"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.Log.AddFlags(fss.FlagSet("Log"))
	o.addAgentFlags(fss.FlagSet("agent"))
	return fss
}

func (o *AgentOptions) addAgentFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&o.WatchBundled, "watch-bundled", o.WatchBundled, "Re-resolve the control module when the bundled file changes.")
	fs.StringVar(&o.DeviceID, "device-id", o.DeviceID, "Device identity used in telemetry. Discovered from the system when empty.")
}

// Complete applies the installer's legacy environment variables.
func (o *AgentOptions) Complete() error {
	o.FetchOptions.ApplyEnvironment()
	o.ConnectivityOptions.ApplyEnvironment()
	return nil
}

func (o *AgentOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.SyncOptions.Validate()...)
	errs = append(errs, o.FetchOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.SupervisorOptions.Validate()...)
	errs = append(errs, o.ConnectivityOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *AgentOptions) Config() (*lockagent.Config, error) {
	return &lockagent.Config{
		SyncOptions:         o.SyncOptions,
		FetchOptions:        o.FetchOptions,
		S3Options:           o.S3Options,
		SupervisorOptions:   o.SupervisorOptions,
		ConnectivityOptions: o.ConnectivityOptions,
		HttpOptions:         o.HttpOptions,
		MqttOptions:         o.MqttOptions,
		WatchBundled:        o.WatchBundled,
		DeviceID:            o.DeviceID,
	}, nil
}
