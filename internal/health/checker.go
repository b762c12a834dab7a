package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database, cache
	CheckResult
}

// Probe checks one dependency. A failing Critical probe makes the whole
// service unhealthy; any other failure only degrades it.
type Probe struct {
	Name     string
	Type     string
	Critical bool
	Ping     func(ctx context.Context) error
}

// Config holds health checker configuration.
type Config struct {
	Probes []Probe

	Timeout    time.Duration
	MaxLatency time.Duration
}

// Checker performs health checks on system components.
type Checker struct {
	probes     []Probe
	timeout    time.Duration
	maxLatency time.Duration

	mu         sync.RWMutex
	components []Component
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency == 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	return &Checker{
		probes:     cfg.Probes,
		timeout:    cfg.Timeout,
		maxLatency: cfg.MaxLatency,
	}
}

// Check runs every probe concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	components := make([]Component, len(c.probes))
	var wg sync.WaitGroup
	for i, p := range c.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[i] = c.run(ctx, p)
		}()
	}
	wg.Wait()
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.overall(components)
}

func (c *Checker) run(ctx context.Context, p Probe) Component {
	comp := Component{
		Name:        p.Name,
		Type:        p.Type,
		CheckResult: CheckResult{Timestamp: time.Now()},
	}
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := p.Ping(pctx)
	comp.Latency = time.Since(start)

	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func (c *Checker) critical(name string) bool {
	for _, p := range c.probes {
		if p.Name == name {
			return p.Critical
		}
	}
	return false
}

func (c *Checker) overall(components []Component) HealthStatus {
	overallStatus := StatusHealthy
	criticalUnhealthy := false

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if c.critical(comp.Name) {
				criticalUnhealthy = true
			}
			overallStatus = StatusDegraded
		case StatusDegraded:
			overallStatus = StatusDegraded
		}
	}
	if criticalUnhealthy {
		overallStatus = StatusUnhealthy
	}

	return HealthStatus{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		}
	}
	return c.overall(c.components)
}
