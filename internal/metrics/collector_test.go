package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := NewCollector("gotas_test")

	c.ObserveFrame(2 * time.Millisecond)
	c.ObserveFrame(time.Millisecond)
	c.ObserveSavestate("OK")
	c.ObserveSavestate("CAPACITY_EXCEEDED")
	c.ObserveLoadstate("PREFIX_MISMATCH")
	c.ObserveProtocolError()
	c.SetMovie(120, 3)
	c.SetTarget(12.5, 1<<20, 9)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Frames))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Savestates.WithLabelValues("OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Loadstates.WithLabelValues("PREFIX_MISMATCH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ProtocolErrors))
	assert.Equal(t, 120.0, testutil.ToFloat64(c.MovieFrames))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Rerecords))
	assert.Equal(t, float64(1<<20), testutil.ToFloat64(c.TargetRSS))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "gotas_test_frames_total 2"))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	// вызовы на nil не паникуют
	c.ObserveFrame(time.Millisecond)
	c.ObserveSavestate("OK")
	c.ObserveLoadstate("OK")
	c.ObserveProtocolError()
	c.SetLiveThreads(3)
	c.SetMovie(1, 1)
	c.SetTarget(1, 1, 1)
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("gotas")
	b := NewCollector("gotas")
	a.ObserveFrame(0)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Frames))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Frames))
}
