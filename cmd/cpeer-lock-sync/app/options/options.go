package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/lockagent/internal/lockagent/revision"
	"github.com/autopeer-io/lockagent/pkg/app"
	"github.com/autopeer-io/lockagent/pkg/log"
	"github.com/autopeer-io/lockagent/pkg/options"
)

type SyncOptions struct {
	Sync *options.SyncOptions `json:"sync" mapstructure:"sync"`
	Log  *log.Options         `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*SyncOptions)(nil)

func NewSyncOptions() *SyncOptions {
	return &SyncOptions{
		Sync: options.NewSyncOptions(),
		Log:  log.NewOptions(),
	}
}

func (o *SyncOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.Sync.AddFlags(fss.FlagSet("sync"))
	o.Log.AddFlags(fss.FlagSet("Log"))
	return fss
}

func (o *SyncOptions) Complete() error {
	return nil
}

func (o *SyncOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.Sync.ValidateForSync()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

// Deployment is the working copy described by the options.
func (o *SyncOptions) Deployment() revision.Deployment {
	return revision.Deployment{
		RemoteURL: o.Sync.RepoURL,
		Ref:       o.Sync.Ref,
		Path:      o.Sync.Path,
	}
}
