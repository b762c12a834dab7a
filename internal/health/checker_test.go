package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestCheckAllHealthy(t *testing.T) {
	c := New(Config{Probes: []Probe{
		{Name: "user_cache", Type: "cache", Ping: ok},
		{Name: "database", Type: "database", Critical: true, Ping: ok},
	}})

	status := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	require.Len(t, status.Components, 2)
	assert.Equal(t, "database", status.Components[0].Name)
	assert.Equal(t, "Connected", status.Components[0].Message)
}

func TestCheckCriticalFailureIsUnhealthy(t *testing.T) {
	c := New(Config{Probes: []Probe{
		{Name: "database", Type: "database", Critical: true, Ping: failing},
		{Name: "user_cache", Type: "cache", Ping: ok},
	}})

	status := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "connection refused", status.Components[0].Error)
}

func TestCheckNonCriticalFailureDegrades(t *testing.T) {
	c := New(Config{Probes: []Probe{
		{Name: "database", Type: "database", Critical: true, Ping: ok},
		{Name: "user_cache", Type: "cache", Ping: failing},
	}})

	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, c.GetLastStatus().Status)
}

func TestCheckSlowProbeDegrades(t *testing.T) {
	slow := func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	c := New(Config{MaxLatency: time.Millisecond, Probes: []Probe{{Name: "database", Critical: true, Ping: slow}}})

	status := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Contains(t, status.Components[0].Message, "High latency")
}

func TestCheckTimesOutHungProbe(t *testing.T) {
	hung := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c := New(Config{Timeout: 10 * time.Millisecond, Probes: []Probe{{Name: "database", Critical: true, Ping: hung}}})

	status := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
}

func TestGetLastStatusBeforeCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, New(Config{}).GetLastStatus().Status)
}
