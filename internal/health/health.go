// Package health reports whether the verifier can do its work: the device
// registry answers and the Bluetooth adapter is powered.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"ultrablue/internal/registry"
	"ultrablue/internal/transport"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // failure makes the overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker runs the registered checks.
type Checker struct {
	clock clock.Clock

	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
}

// NewChecker creates a Checker. A nil clock means the wall clock.
func NewChecker(clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{
		clock:      clk,
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  clk.Now(),
	}
}

// Register adds a component. Its status is unknown until checked.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// Check runs every component concurrently and records the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := c.run(ctx, comp)
			rmu.Lock()
			results[comp.Name] = result
			rmu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		c.results[name] = r
	}
	c.mu.Unlock()
	return results
}

func (c *Checker) run(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := c.clock.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = c.clock.Now().Sub(start)
	return result
}

// OverallStatus aggregates the last results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown, hasDegraded := false, false
	for name, result := range c.results {
		comp := c.components[name]
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}
	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Response is the body of the health endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Handler runs the checks on each request. Unhealthy and unknown answer
// 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		components := c.Check(r.Context())
		now := c.clock.Now()
		resp := Response{
			Status:     c.OverallStatus(),
			Uptime:     now.Sub(c.startTime).Truncate(time.Second).String(),
			Components: components,
			Timestamp:  now,
		}

		w.Header().Set("Content-Type", "application/json")
		switch resp.Status {
		case StatusHealthy, StatusDegraded:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// RegistryCheck reports whether the registry can list devices.
func RegistryCheck(reg registry.Registry) Check {
	return func(ctx context.Context) CheckResult {
		devices, err := reg.List(ctx)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "registry unavailable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d devices registered", len(devices))}
	}
}

// AdapterCheck reports whether the Bluetooth adapter is powered. An
// unpowered adapter is degraded: registry commands still work.
func AdapterCheck(probe transport.AdapterProbe) Check {
	return func(ctx context.Context) CheckResult {
		powered, err := probe.Powered(ctx)
		switch {
		case err != nil:
			return CheckResult{Status: StatusDegraded, Message: "adapter state unknown", Error: err.Error()}
		case !powered:
			return CheckResult{Status: StatusDegraded, Message: "adapter powered off"}
		}
		return CheckResult{Status: StatusHealthy, Message: "adapter powered"}
	}
}
