package handlers

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/httpx"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

// HealthReporter is the subset of the system service the probes need.
type HealthReporter interface {
	HealthReport(ctx context.Context) (services.HealthReport, error)
}

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	system HealthReporter
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService sets the reporter used by /readyz.
func WithHealthSystemService(system HealthReporter) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthBuildInfo sets the build metadata echoed by /healthz.
func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = build
	}
}

// WithHealthClock overrides the clock, for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthzResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

type checkResponse struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type readyzResponse struct {
	Status      string                   `json:"status"`
	Version     string                   `json:"version,omitempty"`
	Environment string                   `json:"environment,omitempty"`
	Uptime      string                   `json:"uptime,omitempty"`
	GeneratedAt string                   `json:"generatedAt"`
	Checks      map[string]checkResponse `json:"checks"`
	Details     []string                 `json:"details,omitempty"`
	Checkouts   int                      `json:"activeCheckouts"`
	Draining    bool                     `json:"draining,omitempty"`
}

// Healthz reports the process is alive. It never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, healthzResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

// Readyz runs the dependency probes. Degraded dependencies keep the instance in rotation; errors take it out.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteJSON(w, http.StatusOK, readyzResponse{
			Status:      domain.HealthStatusOK,
			GeneratedAt: h.clock().UTC().Format(time.RFC3339),
			Checks:      map[string]checkResponse{},
		})
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_unavailable", "failed to collect health report", http.StatusServiceUnavailable))
		return
	}

	resp := readyzResponse{
		Status:      report.Status,
		Version:     report.Version,
		Environment: report.Environment,
		GeneratedAt: report.GeneratedAt.UTC().Format(time.RFC3339),
		Checks:      make(map[string]checkResponse, len(report.Checks)),
		Checkouts:   report.ActiveCheckouts,
		Draining:    report.Draining,
	}
	if report.Uptime > 0 {
		resp.Uptime = report.Uptime.Round(time.Second).String()
	}
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		out := checkResponse{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
		}
		if !check.CheckedAt.IsZero() {
			out.CheckedAt = check.CheckedAt.UTC().Format(time.RFC3339)
		}
		resp.Checks[name] = out
		if check.Status != domain.HealthStatusOK && check.Status != "" {
			resp.Details = append(resp.Details, name+": "+strings.TrimSpace(firstNonBlank(check.Error, check.Detail, check.Status)))
		}
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
