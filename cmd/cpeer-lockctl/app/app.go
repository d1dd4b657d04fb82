package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/lockagent/cmd/cpeer-lockctl/app/options"
	"github.com/autopeer-io/lockagent/internal/lockagent"
	"github.com/autopeer-io/lockagent/pkg/app"
	"github.com/autopeer-io/lockagent/pkg/log"
)

const (
	commandName = "cpeer-lockctl"
	commandDesc = `Inspect a SmartLock lock agent.

status   show the state reported by the running agent
resolve  fetch and select a control module without the agent`
)

func NewApp() *app.App {
	opts := options.NewCtlOptions()
	return app.NewApp(
		commandName,
		"Inspect a SmartLock lock agent",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithEnvPrefix("LOCKAGENT"),
		app.WithSubcommands(newStatusCommand(opts), newResolveCommand(opts)),
	)
}

func newStatusCommand(opts *options.CtlOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the agent's status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Init(opts.Log)
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			st, raw, err := fetchStatus(ctx, opts.StatusURL())
			if err != nil {
				return err
			}
			if asJSON {
				_, err := cmd.OutOrStdout().Write(raw)
				return err
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status document.")
	return cmd
}

func newResolveCommand(opts *options.CtlOptions) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Fetch and select a control module",
		Long: `Run one fetch and resolve cycle with the agent's configuration and print
the selected module. A successful fetch updates the module cache.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Init(opts.Log)
			resolver, err := opts.Config().NewResolver()
			if err != nil {
				return err
			}
			m := resolver.Resolve(cmd.Context(), !offline)
			renderModule(cmd.OutOrStdout(), m)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip the remote candidates.")
	return cmd
}

func fetchStatus(ctx context.Context, url string) (*lockagent.Status, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("agent returned %s", resp.Status)
	}

	var st lockagent.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, nil, fmt.Errorf("invalid status document: %w", err)
	}
	return &st, raw, nil
}
