package module

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/autopeer-io/lockagent/internal/pkg/metrics"
	"github.com/autopeer-io/lockagent/pkg/log"
)

// RemoteFetcher is the remote tier of resolution.
type RemoteFetcher interface {
	Fetch(ctx context.Context) (*ControlModule, error)
}

// LocalCache is the cached tier of resolution.
type LocalCache interface {
	Load(ctx context.Context) (*ControlModule, error)
	Invalidate(digest string) error
}

var allSources = []string{string(SourceRemote), string(SourceCached), string(SourceBundled)}

// Resolver picks the module to run: a fresh validated fetch, else the cached
// module, else the bundled default. Resolve only proposes a module; the
// caller marks it active with Commit once it actually runs.
type Resolver struct {
	fetcher RemoteFetcher
	cache   LocalCache
	bundled string

	// mu serializes resolutions.
	mu sync.Mutex

	rejectMu sync.RWMutex
	rejected map[string]struct{}

	active atomic.Pointer[ControlModule]
}

// NewResolver returns a Resolver falling back to the bundled module at
// bundledPath. fetcher and cache may be nil.
func NewResolver(fetcher RemoteFetcher, cache LocalCache, bundledPath string) *Resolver {
	return &Resolver{
		fetcher:  fetcher,
		cache:    cache,
		bundled:  bundledPath,
		rejected: make(map[string]struct{}),
	}
}

// Resolve selects a module without activating it. It never returns nil. The
// remote tier is only consulted when allowFetch is set.
func (r *Resolver) Resolve(ctx context.Context, allowFetch bool) *ControlModule {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.resolve(ctx, allowFetch)
}

func (r *Resolver) resolve(ctx context.Context, allowFetch bool) *ControlModule {
	if allowFetch && r.fetcher != nil {
		m, err := r.fetcher.Fetch(ctx)
		switch {
		case err != nil:
			log.Warn("No usable remote control module, falling back", "err", err)
		case r.IsRejected(m.Digest):
			log.Warn("Remote control module was demoted earlier, ignoring it", "digest", m.ShortDigest())
		default:
			return m
		}
	} else if !allowFetch {
		log.Debug("Remote fetch skipped")
	}

	if r.cache != nil {
		m, err := r.cache.Load(ctx)
		switch {
		case err != nil:
			log.Info("No usable cached control module", "err", err)
		case r.IsRejected(m.Digest):
			log.Warn("Cached control module was demoted earlier, ignoring it", "digest", m.ShortDigest())
		default:
			return m
		}
	}

	return r.Bundled()
}

// Commit marks m as the module that is running now.
func (r *Resolver) Commit(m *ControlModule) {
	if m == nil {
		return
	}
	prev := r.active.Swap(m)
	metrics.SetState(metrics.ActiveModule, string(m.Source), allSources...)
	if prev == nil || !prev.SameContent(m) {
		log.Info("Selected control module", "source", m.Source, "path", m.Path, "digest", m.ShortDigest(), "location", m.Location)
	}
}

// Active returns the last committed module, nil before the first Commit.
func (r *Resolver) Active() *ControlModule {
	return r.active.Load()
}

// Bundled describes the shipped default module. A missing file is logged and
// still returned; the supervisor keeps retrying it until the installer
// restores it.
func (r *Resolver) Bundled() *ControlModule {
	m := &ControlModule{
		Source: SourceBundled,
		Path:   r.bundled,
		Status: StatusValid,
	}
	content, err := os.ReadFile(r.bundled)
	if err != nil {
		log.Error(err, "Bundled control module is unreadable", "path", r.bundled)
		return m
	}
	m.Digest = Digest(content)
	m.Size = int64(len(content))
	return m
}

// Demote excludes m from resolution for the lifetime of the process and
// drops it from the cache. The bundled module cannot be demoted.
func (r *Resolver) Demote(m *ControlModule) bool {
	if m == nil || m.Source == SourceBundled || m.Digest == "" {
		return false
	}

	r.rejectMu.Lock()
	r.rejected[m.Digest] = struct{}{}
	r.rejectMu.Unlock()

	if r.cache != nil {
		if err := r.cache.Invalidate(m.Digest); err != nil {
			log.Error(err, "Failed to invalidate cached control module", "digest", m.ShortDigest())
		}
	}
	log.Warn("Demoted control module", "source", m.Source, "digest", m.ShortDigest())
	return true
}

// IsRejected reports whether digest was demoted. It does not wait for a
// resolution in progress.
func (r *Resolver) IsRejected(digest string) bool {
	if digest == "" {
		return false
	}
	r.rejectMu.RLock()
	defer r.rejectMu.RUnlock()
	_, ok := r.rejected[digest]
	return ok
}
