package app

import (
	"context"
	"errors"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/lockagent/cmd/cpeer-lock-sync/app/options"
	"github.com/autopeer-io/lockagent/internal/lockagent/revision"
	"github.com/autopeer-io/lockagent/pkg/app"
	"github.com/autopeer-io/lockagent/pkg/log"
)

const (
	commandName = "cpeer-lock-sync"
	commandDesc = `Synchronize the deployment working copy with a remote git ref.

The working copy is either fully replaced by the requested revision or left
exactly as it was. A failed sync exits with status 1.`
)

func NewApp() *app.App {
	opts := options.NewSyncOptions()
	return app.NewApp(
		commandName,
		"Synchronize the SmartLock deployment from git",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithEnvPrefix("LOCKAGENT"),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
	)
}

func run(opts *options.SyncOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		ctx, cancel := context.WithTimeout(genericapiserver.SetupSignalContext(), opts.Sync.Timeout)
		defer cancel()

		syncer := revision.NewSyncer(revision.NewGit(opts.Sync.GitBinary))
		res, err := syncer.Sync(ctx, opts.Deployment())
		if err != nil {
			var syncErr *revision.SyncError
			if errors.As(err, &syncErr) {
				log.Error(syncErr.Err, "Deployment sync failed, previous copy kept", "op", syncErr.Op, "path", syncErr.Deployment.Path)
			}
			return err
		}

		log.Info("Deployment synchronized", "revision", res.Revision, "cloned", res.Cloned, "changed", res.Changed)
		return nil
	}
}
