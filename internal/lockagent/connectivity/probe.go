package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// ErrUnreachable is returned by a probe round in which no target answered.
var ErrUnreachable = errors.New("network unreachable")

// Prober checks reachability once. A nil error means the uplink works.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// TCPProber dials host:port targets.
type TCPProber struct {
	Targets []string
	Timeout time.Duration
}

func (p *TCPProber) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	return anyTarget(ctx, p.Targets, func(ctx context.Context, target string) error {
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// HTTPProber issues GET requests; any 2xx answer counts.
type HTTPProber struct {
	URLs    []string
	Client  *http.Client
	Timeout time.Duration
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{
			Timeout: p.Timeout,
			// A captive portal answering with a redirect is not the internet.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return anyTarget(ctx, p.URLs, func(ctx context.Context, url string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%s answered %s", url, resp.Status)
		}
		return nil
	})
}

// DNSProber resolves host names.
type DNSProber struct {
	Hosts    []string
	Resolver *net.Resolver
	Timeout  time.Duration
}

func (p *DNSProber) Probe(ctx context.Context) error {
	r := p.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	return anyTarget(ctx, p.Hosts, func(ctx context.Context, host string) error {
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		addrs, err := r.LookupHost(ctx, host)
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			return fmt.Errorf("%s has no addresses", host)
		}
		return nil
	})
}

// Any succeeds when at least one prober does. Probers run in order and the
// round stops at the first success.
type Any []Prober

func (a Any) Probe(ctx context.Context) error {
	var errs []error
	for _, p := range a {
		if p == nil {
			continue
		}
		err := p.Probe(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, utilerrors.NewAggregate(errs))
}

// Gate runs Check first and only consults Next when it passes.
type Gate struct {
	Check Prober
	Next  Prober
}

func (g Gate) Probe(ctx context.Context) error {
	if g.Check != nil {
		if err := g.Check.Probe(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
	}
	if g.Next == nil {
		return nil
	}
	return g.Next.Probe(ctx)
}

func anyTarget(ctx context.Context, targets []string, try func(context.Context, string) error) error {
	if len(targets) == 0 {
		return errors.New("no probe targets")
	}
	var errs []error
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := try(ctx, t)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return utilerrors.NewAggregate(errs)
}
