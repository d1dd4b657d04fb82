package options

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*SyncOptions)(nil)

// SyncOptions describes the deployment working copy.
type SyncOptions struct {
	// RepoURL is the remote repository to mirror.
	RepoURL string `json:"repo-url" mapstructure:"repo-url"`

	// Ref is the branch or tag to track.
	Ref string `json:"ref" mapstructure:"ref"`

	// Path is the local working copy, also the working directory of the module.
	Path string `json:"path" mapstructure:"path"`

	// GitBinary is the git executable.
	GitBinary string `json:"git-binary" mapstructure:"git-binary"`

	// Timeout bounds one whole sync.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

func NewSyncOptions() *SyncOptions {
	return &SyncOptions{
		Ref:       "main",
		Path:      "/opt/smartlock",
		GitBinary: "git",
		Timeout:   5 * time.Minute,
	}
}

// Validate checks the options needed by a sync. RepoURL is only required by
// callers that actually sync, see ValidateForSync.
func (o *SyncOptions) Validate() []error {
	errors := []error{}

	if o.Path == "" {
		errors = append(errors, fmt.Errorf("sync.path must not be empty"))
	} else if !filepath.IsAbs(o.Path) {
		errors = append(errors, fmt.Errorf("sync.path must be absolute, got %q", o.Path))
	}
	if o.Timeout <= 0 {
		errors = append(errors, fmt.Errorf("sync.timeout must be positive"))
	}

	return errors
}

// ValidateForSync adds the checks a sync run needs on top of Validate.
func (o *SyncOptions) ValidateForSync() []error {
	errors := o.Validate()
	if o.RepoURL == "" {
		errors = append(errors, fmt.Errorf("sync.repo-url is required"))
	}
	if o.Ref == "" {
		errors = append(errors, fmt.Errorf("sync.ref is required"))
	}
	return errors
}

func (o *SyncOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.RepoURL, "sync.repo-url", o.RepoURL, "Remote repository holding the deployment.")
	fs.StringVar(&o.Ref, "sync.ref", o.Ref, "Branch or tag of the remote repository to track.")
	fs.StringVar(&o.Path, "sync.path", o.Path, "Local path of the deployment working copy.")
	fs.StringVar(&o.GitBinary, "sync.git-binary", o.GitBinary, "Path to the git executable.")
	fs.DurationVar(&o.Timeout, "sync.timeout", o.Timeout, "Upper bound for a single synchronization.")
}
