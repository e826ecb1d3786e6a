package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

const defaultDependencyTimeout = 1500 * time.Millisecond

// DependencyCheck describes a dependency probe executed during readiness checks.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	// Critical failures mark the whole report as error instead of degraded.
	Critical bool
	Check    func(context.Context) error
}

// Option customises the prober.
type Option func(*Prober)

// WithTimeout overrides the default timeout applied when a check omits its own timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Prober) {
		if timeout > 0 {
			p.defaultTimeout = timeout
		}
	}
}

// WithClock injects a custom clock primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Prober) {
		if clock != nil {
			p.now = clock
		}
	}
}

// Prober runs dependency checks in parallel and folds them into a report.
type Prober struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewProber validates the check set.
func NewProber(checks []DependencyCheck, opts ...Option) (*Prober, error) {
	for i, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, fmt.Errorf("health: check %d missing name", i)
		}
		if check.Check == nil {
			return nil, fmt.Errorf("health: dependency %s missing check function", check.Name)
		}
	}

	p := &Prober{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultDependencyTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Collect runs every check with its own timeout. A failing check never aborts the others.
func (p *Prober) Collect(ctx context.Context) (domain.HealthReport, error) {
	if ctx == nil {
		return domain.HealthReport{}, errors.New("health: context is required")
	}

	results := make(map[string]domain.DependencyHealth, len(p.checks))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for _, check := range p.checks {
		check := check
		group.Go(func() error {
			result := p.run(groupCtx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	status := domain.HealthStatusOK
	for _, check := range p.checks {
		result := results[check.Name]
		switch {
		case result.Status == domain.HealthStatusOK:
		case result.Status == domain.HealthStatusError || check.Critical:
			status = domain.HealthStatusError
		case status != domain.HealthStatusError:
			status = domain.HealthStatusDegraded
		}
	}

	return domain.HealthReport{
		Status:      status,
		Checks:      results,
		GeneratedAt: p.now(),
	}, nil
}

func (p *Prober) run(ctx context.Context, check DependencyCheck) domain.DependencyHealth {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()
	err := check.Check(checkCtx)
	end := p.now()

	result := domain.DependencyHealth{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	if err == nil && checkCtx.Err() != nil {
		// timed out without the check noticing
		err = checkCtx.Err()
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		result.Status = domain.HealthStatusError
		result.Detail = "cancelled"
		result.Error = err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = domain.HealthStatusError
		result.Detail = "timeout"
		result.Error = err.Error()
	default:
		result.Status = domain.HealthStatusDegraded
		result.Detail = err.Error()
		result.Error = err.Error()
	}
	return result
}
