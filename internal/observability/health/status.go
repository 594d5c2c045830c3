package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthMonitor runs the registered component checks of the training server
// on demand
type HealthMonitor struct {
	logger    *logrus.Logger
	config    *HealthConfig
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	startTime time.Time
}

// HealthConfig configures health monitoring
type HealthConfig struct {
	Timeout            time.Duration `json:"timeout"`
	EnableDetailedLogs bool          `json:"enable_detailed_logs"`
}

// HealthCheck defines a health check
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) HealthResult
	Critical() bool
	Timeout() time.Duration
}

// HealthResult represents the result of a health check
type HealthResult struct {
	Status   HealthStatus      `json:"status"`
	Message  string            `json:"message,omitempty"`
	Duration time.Duration     `json:"duration"`
	Details  map[string]string `json:"details,omitempty"`
}

// HealthStatus represents the health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// SystemStatus represents overall system health
type SystemStatus struct {
	OverallStatus  HealthStatus            `json:"status"`
	CheckResults   map[string]HealthResult `json:"checks,omitempty"`
	CriticalIssues []string                `json:"critical_issues,omitempty"`
	Uptime         time.Duration           `json:"uptime"`
	CheckedAt      time.Time               `json:"checked_at"`
}

// BasicHealthCheck adapts a function to HealthCheck. The function reports
// unhealthy through an error; a *DegradedError marks the check degraded.
type BasicHealthCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
	critical  bool
	timeout   time.Duration
}

// DegradedError reports a component that works with reduced capacity
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string {
	return e.Reason
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(config *HealthConfig, logger *logrus.Logger) *HealthMonitor {
	if config == nil {
		config = getDefaultHealthConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &HealthMonitor{
		logger:    logger,
		config:    config,
		checks:    make(map[string]HealthCheck),
		startTime: time.Now(),
	}
}

// RegisterCheck adds or replaces a health check
func (hm *HealthMonitor) RegisterCheck(check HealthCheck) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[check.Name()] = check
}

// RunCheck runs a specific health check
func (hm *HealthMonitor) RunCheck(ctx context.Context, checkName string) (HealthResult, error) {
	hm.mu.RLock()
	check, exists := hm.checks[checkName]
	hm.mu.RUnlock()

	if !exists {
		return HealthResult{}, fmt.Errorf("health check '%s' not found", checkName)
	}

	return hm.executeCheck(ctx, check), nil
}

// Check runs every registered check concurrently and aggregates the results.
// A failing critical check makes the system unhealthy; any other failure
// degrades it.
func (hm *HealthMonitor) Check(ctx context.Context) *SystemStatus {
	hm.mu.RLock()
	checks := make([]HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	results := make([]HealthResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, c HealthCheck) {
			defer wg.Done()
			results[i] = hm.executeCheck(ctx, c)
		}(i, check)
	}
	wg.Wait()

	status := &SystemStatus{
		OverallStatus: StatusHealthy,
		CheckResults:  make(map[string]HealthResult, len(checks)),
		Uptime:        time.Since(hm.startTime),
		CheckedAt:     time.Now().UTC(),
	}
	for i, check := range checks {
		result := results[i]
		status.CheckResults[check.Name()] = result

		switch {
		case result.Status == StatusUnhealthy && check.Critical():
			status.CriticalIssues = append(status.CriticalIssues, check.Name())
			status.OverallStatus = StatusUnhealthy
		case result.Status != StatusHealthy && status.OverallStatus == StatusHealthy:
			status.OverallStatus = StatusDegraded
		}
	}
	sort.Strings(status.CriticalIssues)

	return status
}

// executeCheck executes a single health check under its timeout
func (hm *HealthMonitor) executeCheck(ctx context.Context, check HealthCheck) HealthResult {
	start := time.Now()

	timeout := check.Timeout()
	if timeout == 0 {
		timeout = hm.config.Timeout
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := check.Check(checkCtx)
	result.Duration = time.Since(start)

	if hm.config.EnableDetailedLogs || result.Status != StatusHealthy {
		hm.logger.WithFields(logrus.Fields{
			"check":    check.Name(),
			"status":   result.Status,
			"duration": result.Duration,
			"message":  result.Message,
		}).Debug("Health check completed")
	}

	return result
}

// NewBasicHealthCheck creates a health check from a function
func NewBasicHealthCheck(name string, checkFunc func(ctx context.Context) error, critical bool, timeout time.Duration) *BasicHealthCheck {
	return &BasicHealthCheck{
		name:      name,
		checkFunc: checkFunc,
		critical:  critical,
		timeout:   timeout,
	}
}

// Name returns the check name
func (bhc *BasicHealthCheck) Name() string {
	return bhc.name
}

// Check runs the check function
func (bhc *BasicHealthCheck) Check(ctx context.Context) HealthResult {
	err := bhc.checkFunc(ctx)
	if err == nil {
		return HealthResult{Status: StatusHealthy}
	}
	if _, ok := err.(*DegradedError); ok {
		return HealthResult{Status: StatusDegraded, Message: err.Error()}
	}
	return HealthResult{Status: StatusUnhealthy, Message: err.Error()}
}

// Critical reports whether a failure makes the system unhealthy
func (bhc *BasicHealthCheck) Critical() bool {
	return bhc.critical
}

// Timeout returns the check timeout, 0 for the monitor default
func (bhc *BasicHealthCheck) Timeout() time.Duration {
	return bhc.timeout
}

func getDefaultHealthConfig() *HealthConfig {
	return &HealthConfig{
		Timeout: 5 * time.Second,
	}
}
