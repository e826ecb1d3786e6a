package services

import (
	"context"
	"sync/atomic"
	"time"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

// BuildInfo identifies the running binary on the probe endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthCollector runs the dependency probes.
type HealthCollector interface {
	Collect(ctx context.Context) (HealthReport, error)
}

// ActiveCounter reports how many checkout sessions an instance holds.
type ActiveCounter interface {
	Active() int
}

// SystemService answers the readiness probe. Once Drain is called every report is an error so the
// load balancer stops routing new shoppers here while in-flight checkouts finish.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
	Build() BuildInfo
	Drain()
}

// SystemServiceDeps wires a SystemService. Health and Sessions are optional.
type SystemServiceDeps struct {
	Health   HealthCollector
	Sessions ActiveCounter
	Clock    func() time.Time
	Build    BuildInfo
}

type systemService struct {
	deps     SystemServiceDeps
	draining atomic.Bool
}

// NewSystemService never fails today; the error keeps the constructor in line with the other services.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Build.StartedAt.IsZero() {
		deps.Build.StartedAt = deps.Clock()
	}
	return &systemService{deps: deps}, nil
}

func (s *systemService) Build() BuildInfo { return s.deps.Build }

func (s *systemService) Drain() { s.draining.Store(true) }

func (s *systemService) HealthReport(ctx context.Context) (HealthReport, error) {
	report := HealthReport{Checks: map[string]domain.DependencyHealth{}}
	if s.deps.Health != nil {
		collected, err := s.deps.Health.Collect(ctx)
		if err != nil {
			return HealthReport{}, err
		}
		if collected.Checks == nil {
			collected.Checks = report.Checks
		}
		report = collected
	}

	now := s.deps.Clock().UTC()
	report.GeneratedAt = now
	report.Version = s.deps.Build.Version
	report.Environment = s.deps.Build.Environment
	report.Uptime = now.Sub(s.deps.Build.StartedAt)
	if s.deps.Sessions != nil {
		report.ActiveCheckouts = s.deps.Sessions.Active()
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}
	if s.draining.Load() {
		report.Draining = true
		report.Status = domain.HealthStatusError
	}
	return report, nil
}

// worstStatus folds probe results when the collector did not judge them itself.
func worstStatus(checks map[string]domain.DependencyHealth) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusDegraded:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
