package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/lockagent/cmd/cpeer-lock-agent/app/options"
	"github.com/autopeer-io/lockagent/pkg/app"
	"github.com/autopeer-io/lockagent/pkg/log"
)

const (
	commandName = "cpeer-lock-agent"
	commandDesc = `The lock agent keeps the SmartLock control module running. It pulls the
latest module from the configured candidates, falls back to the cached or
bundled copy, restarts it whenever it exits and opens a Wi-Fi setup portal
when the device loses its network.`
)

func NewApp() *app.App {
	opts := options.NewAgentOptions()
	application := app.NewApp(
		commandName,
		"Launch the SmartLock lock agent",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithEnvPrefix("LOCKAGENT"),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.AgentOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		agent, err := cfg.NewAgent()
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		return agent.Run(ctx)
	}
}
