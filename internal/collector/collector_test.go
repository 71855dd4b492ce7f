package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRuntimeCollectorReportsExpectedKeys(t *testing.T) {
	c := NewRuntimeCollector(time.Now().Add(-5 * time.Second))
	info := c.Collect()

	require.Contains(t, info, "hostname")
	require.Contains(t, info, "uptime_seconds")
	require.Contains(t, info, "goroutines")
	require.Greater(t, info["uptime_seconds"].(float64), 1.0)
}
