package revision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/autopeer-io/lockagent/internal/pkg/metrics"
	"github.com/autopeer-io/lockagent/internal/pkg/util/fileutil"
	"github.com/autopeer-io/lockagent/pkg/log"
)

const lockRetryDelay = 500 * time.Millisecond

// Syncer brings a Deployment to the tip of its remote ref. A sync either
// completes or leaves the previous working copy untouched.
type Syncer struct {
	git *Git
}

func NewSyncer(git *Git) *Syncer {
	if git == nil {
		git = NewGit("")
	}
	return &Syncer{git: git}
}

// Sync clones the deployment when no valid working copy exists at its path,
// otherwise fetches the ref and hard-resets onto it, discarding local
// changes. Concurrent syncs of the same path are serialised with a lock file
// next to it.
func (s *Syncer) Sync(ctx context.Context, d Deployment) (*Result, error) {
	path, err := filepath.Abs(d.Path)
	if err != nil {
		return nil, &SyncError{Op: "resolve path", Deployment: d, Err: err}
	}
	d.Path = path

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &SyncError{Op: "prepare", Deployment: d, Err: err}
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return nil, &SyncError{Op: "lock", Deployment: d, Err: err}
	}
	defer func() { _ = lock.Unlock() }()

	s.removeLeftovers(path)

	logger := log.WithValues("path", path, "remote", d.RemoteURL, "ref", d.Ref)

	if s.isValidCopy(ctx, path) {
		logger.Info("Updating deployment")
		res, err := s.update(ctx, d)
		recordSync("update", err)
		if err != nil {
			return nil, err
		}
		logger.Info("Deployment updated", "revision", res.Revision, "changed", res.Changed)
		return res, nil
	}

	logger.Info("Cloning deployment")
	res, err := s.clone(ctx, d)
	recordSync("clone", err)
	if err != nil {
		return nil, err
	}
	logger.Info("Deployment cloned", "revision", res.Revision)
	return res, nil
}

// Revision returns the commit checked out at path.
func (s *Syncer) Revision(ctx context.Context, path string) (string, error) {
	return s.git.Run(ctx, path, "rev-parse", "--verify", "HEAD")
}

// isValidCopy reports whether path is the top level of a git work tree with
// an origin remote and a resolvable HEAD.
func (s *Syncer) isValidCopy(ctx context.Context, path string) bool {
	top, err := s.git.Run(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return false
	}
	if !samePath(top, path) {
		return false
	}
	if _, err := s.git.Run(ctx, path, "remote", "get-url", "origin"); err != nil {
		return false
	}
	if _, err := s.Revision(ctx, path); err != nil {
		return false
	}
	return true
}

func (s *Syncer) clone(ctx context.Context, d Deployment) (*Result, error) {
	parent, base := filepath.Dir(d.Path), filepath.Base(d.Path)

	tmp, err := os.MkdirTemp(parent, base+".sync-*")
	if err != nil {
		return nil, &SyncError{Op: "clone", Deployment: d, Err: err}
	}
	keepTmp := false
	defer func() {
		if !keepTmp {
			_ = os.RemoveAll(tmp)
		}
	}()

	if _, err := s.git.Run(ctx, "", "clone", "--quiet", "--single-branch", "--branch", d.Ref, "--", d.RemoteURL, tmp); err != nil {
		return nil, &SyncError{Op: "clone", Deployment: d, Err: err}
	}
	rev, err := s.Revision(ctx, tmp)
	if err != nil {
		return nil, &SyncError{Op: "verify", Deployment: d, Err: err}
	}

	if err := swapInto(tmp, d.Path); err != nil {
		return nil, &SyncError{Op: "swap", Deployment: d, Err: err}
	}
	keepTmp = true

	return &Result{Revision: rev, Cloned: true, Changed: true}, nil
}

func (s *Syncer) update(ctx context.Context, d Deployment) (*Result, error) {
	prev, err := s.Revision(ctx, d.Path)
	if err != nil {
		return nil, &SyncError{Op: "read revision", Deployment: d, Err: err}
	}

	if _, err := s.git.Run(ctx, d.Path, "remote", "set-url", "origin", d.RemoteURL); err != nil {
		return nil, &SyncError{Op: "set remote", Deployment: d, Err: err}
	}
	// Nothing below touches the work tree until the fetch has succeeded.
	if _, err := s.git.Run(ctx, d.Path, "fetch", "--quiet", "--force", "--prune", "origin", d.Ref); err != nil {
		return nil, &SyncError{Op: "fetch", Deployment: d, Err: err}
	}
	if _, err := s.git.Run(ctx, d.Path, "reset", "--quiet", "--hard", "FETCH_HEAD"); err != nil {
		return nil, &SyncError{Op: "reset", Deployment: d, Err: err}
	}
	if _, err := s.git.Run(ctx, d.Path, "clean", "-ffdx", "--quiet"); err != nil {
		return nil, &SyncError{Op: "clean", Deployment: d, Err: err}
	}

	rev, err := s.Revision(ctx, d.Path)
	if err != nil {
		return nil, &SyncError{Op: "read revision", Deployment: d, Err: err}
	}
	return &Result{Revision: rev, Changed: rev != prev}, nil
}

// swapInto moves the fresh clone at src to dst, replacing whatever was there.
// If the final rename fails the old content is moved back.
func swapInto(src, dst string) error {
	var aside string
	if _, err := os.Lstat(dst); err == nil {
		aside = fmt.Sprintf("%s.old-%d", dst, time.Now().UnixNano())
		if err := os.Rename(dst, aside); err != nil {
			return fmt.Errorf("moving previous copy aside: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.Rename(src, dst); err != nil {
		if aside != "" {
			_ = os.Rename(aside, dst)
		}
		return fmt.Errorf("moving clone into place: %w", err)
	}
	fileutil.SyncDir(filepath.Dir(dst))

	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			log.Warn("Failed to remove previous deployment copy", "path", aside, "err", err)
		}
	}
	return nil
}

// removeLeftovers deletes temporary clones and set-aside copies of an
// interrupted earlier sync. Must be called with the lock held.
func (s *Syncer) removeLeftovers(path string) {
	for _, pattern := range []string{path + ".sync-*", path + ".old-*"} {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			log.Info("Removing leftover from interrupted sync", "path", m)
			_ = os.RemoveAll(m)
		}
	}
}

func samePath(a, b string) bool {
	ra, err1 := filepath.EvalSymlinks(a)
	rb, err2 := filepath.EvalSymlinks(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ra == rb
}

func recordSync(mode string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	metrics.SyncTotal.WithLabelValues(mode, result).Inc()
}
