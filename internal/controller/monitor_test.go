package controller

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/gotas/internal/metrics"
)

func TestTargetMonitor(t *testing.T) {
	c := metrics.NewCollector("gotas_monitor_test")
	m := NewTargetMonitor(c, 10*time.Millisecond, quietLogger("monitor"))

	s, err := m.Sample(context.Background(), int32(os.Getpid()))
	require.NoError(t, err)
	assert.NotZero(t, s.RSS)
	assert.Positive(t, s.Threads)
	assert.Equal(t, float64(s.RSS), testutil.ToFloat64(c.TargetRSS))

	m.Start(context.Background(), int32(os.Getpid()))
	require.Eventually(t, func() bool {
		return m.Last().At.After(s.At)
	}, 5*time.Second, 10*time.Millisecond, "монитор должен обновлять снимок")
	m.Stop()
	m.Stop()
}
