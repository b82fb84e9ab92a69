package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness from the sandbox's dependencies: the
// call journal and the workspace root. Checks may be registered after the
// server starts serving, so registration is lock-guarded.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
	h.mu.Unlock()
}

// AddJournalCheck registers the call journal's ping as the "journal" check.
// A journal that cannot be reached degrades readiness but never liveness;
// calls keep working, only their history stops accruing.
func (h *HealthChecker) AddJournalCheck(ping func(ctx context.Context) error) {
	h.AddCheck("journal", ping)
}

// AddWorkspaceCheck registers the "workspace" check: the workspace root
// must exist and be a directory, or no session can be created.
func (h *HealthChecker) AddWorkspaceCheck(root string) {
	h.AddCheck("workspace", func(_ context.Context) error {
		info, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("workspace root %s is not a directory", root)
		}
		return nil
	})
}

// CheckHealth returns liveness status. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered check under a shared deadline and
// reports "ok" only when all of them pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for _, c := range checks {
		status.Checks[c.Name] = h.runCheck(checkCtx, c)
		if status.Checks[c.Name].Status != "ok" {
			status.Status = "degraded"
		}
	}
	return status
}

func (h *HealthChecker) runCheck(ctx context.Context, c HealthCheck) CheckResult {
	if err := c.Check(ctx); err != nil {
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
		}
		return CheckResult{Status: "fail", Message: err.Error()}
	}
	return CheckResult{Status: "ok"}
}
