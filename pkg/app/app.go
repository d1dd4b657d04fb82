package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/term"

	"github.com/autopeer-io/lockagent/pkg/log"
)

// RunFunc is the body of an application, run after options are loaded.
type RunFunc func() error

// App is a cobra command wired to a NamedFlagSetOptions, a config file and
// environment overrides.
type App struct {
	name        string
	shortDesc   string
	description string
	envPrefix   string

	options     NamedFlagSetOptions
	run         RunFunc
	args        cobra.PositionalArgs
	subcommands []*cobra.Command
	noConfig    bool
	silence     bool

	v   *viper.Viper
	cmd *cobra.Command
}

// Option configures an App.
type Option func(*App)

func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) { a.options = opts }
}

func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.run = run }
}

func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// WithEnvPrefix sets the prefix of overriding environment variables, so that
// fetch.timeout is read from PREFIX_FETCH_TIMEOUT. Defaults to the name.
func WithEnvPrefix(prefix string) Option {
	return func(a *App) { a.envPrefix = prefix }
}

// WithDefaultValidArgs rejects positional arguments.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithSubcommands attaches child commands. They inherit the persistent flags.
func WithSubcommands(cmds ...*cobra.Command) Option {
	return func(a *App) { a.subcommands = append(a.subcommands, cmds...) }
}

// WithNoConfig drops the --config flag.
func WithNoConfig() Option {
	return func(a *App) { a.noConfig = true }
}

// WithSilence suppresses cobra's usage and error output.
func WithSilence() Option {
	return func(a *App) { a.silence = true }
}

// NewApp builds an App.
func NewApp(name string, shortDesc string, opts ...Option) *App {
	a := &App{
		name:      name,
		shortDesc: shortDesc,
		envPrefix: name,
		v:         viper.New(),
	}
	for _, o := range opts {
		o(a)
	}
	a.buildCommand()
	return a
}

// Command exposes the root command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Viper exposes the configuration store, mainly for tests.
func (a *App) Viper() *viper.Viper {
	return a.v
}

// Run executes the command and exits the process with status 1 on error.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:               a.name,
		Short:             a.shortDesc,
		Long:              a.description,
		SilenceUsage:      true,
		SilenceErrors:     a.silence,
		Args:              a.args,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true

	var namedFlagSets cliflag.NamedFlagSets
	if a.options != nil {
		namedFlagSets = a.options.Flags()
		fs := cmd.PersistentFlags()
		for _, f := range namedFlagSets.FlagSets {
			fs.AddFlagSet(f)
		}
	}

	if !a.noConfig {
		addConfigFlag(a.name, namedFlagSets.FlagSet("global"))
		cmd.PersistentFlags().AddFlagSet(namedFlagSets.FlagSet("global"))
	}

	if a.run != nil {
		cmd.RunE = a.runCommand
	}
	if len(a.subcommands) > 0 {
		cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
			return a.loadOptions(cmd)
		}
		cmd.AddCommand(a.subcommands...)
	}

	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cliflag.SetUsageAndHelpFunc(cmd, namedFlagSets, cols)

	a.cmd = cmd
}

func (a *App) runCommand(cmd *cobra.Command, _ []string) error {
	if len(a.subcommands) == 0 {
		if err := a.loadOptions(cmd); err != nil {
			return err
		}
	}

	defer func() { _ = log.Sync() }()
	return a.run()
}

// loadOptions merges config file, environment and flags into the options,
// then completes and validates them.
func (a *App) loadOptions(cmd *cobra.Command) error {
	if a.options == nil {
		return nil
	}

	if !a.noConfig {
		if err := loadConfig(a.v, a.name, cmd.Flags()); err != nil {
			return err
		}
	}

	a.v.SetEnvPrefix(strings.ToUpper(strings.NewReplacer("-", "_").Replace(a.envPrefix)))
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := a.v.Unmarshal(a.options); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := a.options.Complete(); err != nil {
		return err
	}
	return a.options.Validate()
}
