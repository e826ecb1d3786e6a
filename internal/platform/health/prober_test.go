package health

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

func TestProberCollectSuccess(t *testing.T) {
	checks := []DependencyCheck{
		{
			Name: "pricing",
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(10 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
		{Name: "redis", Check: func(context.Context) error { return nil }},
	}

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	prober, err := NewProber(checks, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	report, err := prober.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK || check.CheckedAt != now {
			t.Fatalf("unexpected result for %s: %+v", name, check)
		}
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestProberCollectFailure(t *testing.T) {
	expectedErr := errors.New("boom")
	prober, err := NewProber([]DependencyCheck{
		{Name: "loyalty", Check: func(context.Context) error { return expectedErr }},
		{Name: "redis", Check: func(context.Context) error { return nil }},
	})
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	report, err := prober.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected status degraded, got %s", report.Status)
	}
	check := report.Checks["loyalty"]
	if check.Status != domain.HealthStatusDegraded || check.Error != expectedErr.Error() {
		t.Fatalf("unexpected loyalty result %+v", check)
	}
}

func TestProberCriticalFailure(t *testing.T) {
	prober, err := NewProber([]DependencyCheck{
		{Name: "pricing", Critical: true, Check: func(context.Context) error { return errors.New("502") }},
	})
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}
	report, _ := prober.Collect(context.Background())
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected critical failure to mark the report as error, got %s", report.Status)
	}
}

func TestProberCollectTimeout(t *testing.T) {
	prober, err := NewProber([]DependencyCheck{
		{
			Name:    "pricing",
			Timeout: 5 * time.Millisecond,
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(200 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	report, err := prober.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected status error, got %s", report.Status)
	}
	if detail := report.Checks["pricing"].Detail; detail != "timeout" {
		t.Fatalf("expected detail timeout, got %s", detail)
	}
}

func TestNewProberValidatesChecks(t *testing.T) {
	if _, err := NewProber([]DependencyCheck{{Check: func(context.Context) error { return nil }}}); err == nil {
		t.Fatalf("expected missing name error")
	}
	if _, err := NewProber([]DependencyCheck{{Name: "redis"}}); err == nil {
		t.Fatalf("expected missing check error")
	}
}
