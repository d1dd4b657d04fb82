package revision

import "fmt"

// Deployment is the local working copy of a remote repository ref.
type Deployment struct {
	RemoteURL string `json:"remoteURL"`
	Ref       string `json:"ref"`
	Path      string `json:"path"`
}

// Result describes a completed sync.
type Result struct {
	// Revision is the commit checked out at Path.
	Revision string `json:"revision"`

	// Cloned is set when the working copy was created from scratch.
	Cloned bool `json:"cloned"`

	// Changed is set when Revision differs from what was there before.
	Changed bool `json:"changed"`
}

// SyncError is a failed sync. The previous working copy, if any, is intact.
type SyncError struct {
	Op         string
	Deployment Deployment
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s@%s into %s: %s: %v", e.Deployment.RemoteURL, e.Deployment.Ref, e.Deployment.Path, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
