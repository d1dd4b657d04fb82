package module

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/lockagent/internal/pkg/metrics"
	"github.com/autopeer-io/lockagent/pkg/log"
)

// Fetcher tries an ordered list of remote candidates and returns the first
// one that downloads and validates. A validated module is persisted to the
// cache before it is returned.
type Fetcher struct {
	candidates []string
	timeout    time.Duration
	getters    map[string]Getter
	validator  Validator
	cache      *Cache
	rejected   func(digest string) bool
	clock      clock.PassiveClock
}

// FetcherConfig holds the dependencies of a Fetcher.
type FetcherConfig struct {
	Candidates []string
	Timeout    time.Duration

	// Getters maps a URL scheme to its Getter.
	Getters   map[string]Getter
	Validator Validator
	Cache     *Cache
	Clock     clock.PassiveClock

	// Rejected reports demoted digests. Such a candidate is skipped and never
	// reaches the cache.
	Rejected func(digest string) bool
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	f := &Fetcher{
		candidates: cfg.Candidates,
		timeout:    cfg.Timeout,
		getters:    cfg.Getters,
		validator:  cfg.Validator,
		cache:      cfg.Cache,
		rejected:   cfg.Rejected,
		clock:      cfg.Clock,
	}
	if f.clock == nil {
		f.clock = clock.RealClock{}
	}
	if f.validator == nil {
		f.validator = ContentValidator{}
	}
	return f
}

// Candidates returns the configured locations in order.
func (f *Fetcher) Candidates() []string {
	return append([]string(nil), f.candidates...)
}

// Fetch returns the first usable remote module. When none is usable the
// error wraps ErrNoRemoteModule and an aggregate of *FetchError and
// *ValidationError, one per candidate.
func (f *Fetcher) Fetch(ctx context.Context) (*ControlModule, error) {
	if len(f.candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates configured", ErrNoRemoteModule)
	}

	var errs []error
	for _, location := range f.candidates {
		if ctx.Err() != nil {
			errs = append(errs, &FetchError{Location: location, Err: ctx.Err()})
			break
		}

		m, err := f.fetchOne(ctx, location)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				metrics.FetchAttempts.WithLabelValues("invalid").Inc()
				log.Warn("Rejected remote control module", "location", location, "err", err)
			} else {
				metrics.FetchAttempts.WithLabelValues("fetch_failed").Inc()
				log.Warn("Failed to fetch remote control module", "location", location, "err", err)
			}
			errs = append(errs, err)
			continue
		}

		metrics.FetchAttempts.WithLabelValues("ok").Inc()
		log.Info("Fetched remote control module", "location", location, "digest", m.ShortDigest(), "size", m.Size)
		return m, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrNoRemoteModule, utilerrors.NewAggregate(errs))
}

func (f *Fetcher) fetchOne(ctx context.Context, location string) (*ControlModule, error) {
	start := f.clock.Now()
	defer func() { metrics.FetchDuration.Observe(f.clock.Since(start).Seconds()) }()

	getter, err := f.getterFor(location)
	if err != nil {
		return nil, &FetchError{Location: location, Err: err}
	}

	attemptCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	content, err := getter.Get(attemptCtx, location)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", f.timeout, err)
		}
		return nil, &FetchError{Location: location, Err: err}
	}

	if err := f.validator.Validate(ctx, location, content); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		return nil, &ValidationError{Location: location, Reason: "validator failed", Err: err}
	}

	m := &ControlModule{
		Source:    SourceRemote,
		Location:  location,
		Digest:    Digest(content),
		Size:      int64(len(content)),
		Status:    StatusValid,
		FetchedAt: f.clock.Now(),
	}

	if f.rejected != nil && f.rejected(m.Digest) {
		return nil, &ValidationError{Location: location, Reason: "module " + m.ShortDigest() + " was demoted"}
	}

	if f.cache == nil {
		return nil, &FetchError{Location: location, Err: errors.New("no cache to persist the module to")}
	}
	stored, err := f.cache.Store(m, content)
	if err != nil {
		return nil, &FetchError{Location: location, Err: fmt.Errorf("persisting module: %w", err)}
	}
	return stored, nil
}

func (f *Fetcher) getterFor(location string) (Getter, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	g, ok := f.getters[u.Scheme]
	if !ok || g == nil {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return g, nil
}
