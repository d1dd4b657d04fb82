package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*SupervisorOptions)(nil)

// SupervisorOptions configures how the control module process is run.
type SupervisorOptions struct {
	// Interpreter is prepended to the module path to form the command line.
	Interpreter []string `json:"interpreter" mapstructure:"interpreter"`

	// Env holds extra KEY=VALUE pairs for the module process.
	Env []string `json:"env" mapstructure:"env"`

	RestartDelay    time.Duration `json:"restart-delay" mapstructure:"restart-delay"`
	MaxRestartDelay time.Duration `json:"max-restart-delay" mapstructure:"max-restart-delay"`

	// StableAfter is the uptime after which a run counts as healthy and the
	// restart delay is reset.
	StableAfter time.Duration `json:"stable-after" mapstructure:"stable-after"`

	// StopTimeout is the grace period between SIGTERM and SIGKILL.
	StopTimeout time.Duration `json:"stop-timeout" mapstructure:"stop-timeout"`

	// RefreshInterval is the period of the fetch and resolve cycle.
	RefreshInterval time.Duration `json:"refresh-interval" mapstructure:"refresh-interval"`

	// CrashLoopThreshold is the number of consecutive unstable runs after
	// which a non-bundled module is demoted. 0 disables demotion.
	CrashLoopThreshold int `json:"crash-loop-threshold" mapstructure:"crash-loop-threshold"`
}

func NewSupervisorOptions() *SupervisorOptions {
	return &SupervisorOptions{
		Interpreter:        []string{"python3", "-u"},
		RestartDelay:       2 * time.Second,
		MaxRestartDelay:    time.Minute,
		StableAfter:        time.Minute,
		StopTimeout:        10 * time.Second,
		RefreshInterval:    15 * time.Minute,
		CrashLoopThreshold: 5,
	}
}

func (o *SupervisorOptions) Validate() []error {
	errors := []error{}

	if len(o.Interpreter) == 0 {
		errors = append(errors, fmt.Errorf("supervisor.interpreter must not be empty"))
	}
	if o.RestartDelay <= 0 {
		errors = append(errors, fmt.Errorf("supervisor.restart-delay must be positive"))
	}
	if o.MaxRestartDelay < o.RestartDelay {
		errors = append(errors, fmt.Errorf("supervisor.max-restart-delay must not be below supervisor.restart-delay"))
	}
	if o.StopTimeout <= 0 {
		errors = append(errors, fmt.Errorf("supervisor.stop-timeout must be positive"))
	}
	if o.RefreshInterval <= 0 {
		errors = append(errors, fmt.Errorf("supervisor.refresh-interval must be positive"))
	}
	if o.CrashLoopThreshold < 0 {
		errors = append(errors, fmt.Errorf("supervisor.crash-loop-threshold must not be negative"))
	}

	return errors
}

func (o *SupervisorOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringSliceVar(&o.Interpreter, "supervisor.interpreter", o.Interpreter, "Command that runs the control module; the module path is appended.")
	fs.StringSliceVar(&o.Env, "supervisor.env", o.Env, "Extra KEY=VALUE environment for the control module.")
	fs.DurationVar(&o.RestartDelay, "supervisor.restart-delay", o.RestartDelay, "Initial delay before restarting a crashed module.")
	fs.DurationVar(&o.MaxRestartDelay, "supervisor.max-restart-delay", o.MaxRestartDelay, "Upper bound of the restart delay.")
	fs.DurationVar(&o.StableAfter, "supervisor.stable-after", o.StableAfter, "Uptime after which a run is considered healthy.")
	fs.DurationVar(&o.StopTimeout, "supervisor.stop-timeout", o.StopTimeout, "Grace period between SIGTERM and SIGKILL.")
	fs.DurationVar(&o.RefreshInterval, "supervisor.refresh-interval", o.RefreshInterval, "Period of the module fetch and resolve cycle.")
	fs.IntVar(&o.CrashLoopThreshold, "supervisor.crash-loop-threshold", o.CrashLoopThreshold, "Unstable runs before a fetched module is abandoned for the next fallback. 0 disables.")
}
