package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/gotas/internal/checkpoint"
	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/metrics"
)

type fakeSlots struct {
	records []checkpoint.SlotRecord
	err     error
}

func (f *fakeSlots) Slots(ctx context.Context) ([]checkpoint.SlotRecord, error) {
	return f.records, f.err
}

func newTestServer(slots SlotLister, status func() interface{}) (*RestServer, *metrics.Collector) {
	collector := metrics.NewCollector("gotas_test")
	return NewRestServer(Config{
		Addr:      "127.0.0.1:0",
		Status:    status,
		Slots:     slots,
		Collector: collector,
		Logger:    logging.NewWriterLogger("api", io.Discard, logging.ERROR),
	}), collector
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	rs, _ := newTestServer(nil, nil)
	rec := get(t, rs.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStatus(t *testing.T) {
	t.Run("нет сессии", func(t *testing.T) {
		rs, _ := newTestServer(nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, get(t, rs.Handler(), "/api/status").Code)
	})

	t.Run("снимок", func(t *testing.T) {
		rs, _ := newTestServer(nil, func() interface{} {
			return map[string]interface{}{"frame": 42, "mode": "WRITE"}
		})
		rec := get(t, rs.Handler(), "/api/status")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Success bool                   `json:"success"`
			Data    map[string]interface{} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, float64(42), resp.Data["frame"])
		assert.Equal(t, "WRITE", resp.Data["mode"])
	})
}

func TestSlots(t *testing.T) {
	slots := &fakeSlots{records: []checkpoint.SlotRecord{{Slot: 1, Game: "celeste", Frame: 300}}}
	rs, _ := newTestServer(slots, nil)

	rec := get(t, rs.Handler(), "/api/slots")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"celeste"`)

	slots.err = errors.New("badger closed")
	rec = get(t, rs.Handler(), "/api/slots")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "badger closed")
}

func TestMetricsEndpoint(t *testing.T) {
	rs, collector := newTestServer(nil, nil)
	collector.ObserveSavestate("OK")

	get(t, rs.Handler(), "/api/missing") // 404 попадает в счётчик ошибок
	rec := get(t, rs.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "gotas_test_savestates_total"), "метрики сессии")
	assert.True(t, strings.Contains(body, "gotas_api_http_request_errors_total"), "HTTP-метрики")
}

func TestProcess(t *testing.T) {
	rs, _ := newTestServer(nil, nil)
	rec := get(t, rs.Handler(), "/api/process")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutines")
}

func TestStartShutdown(t *testing.T) {
	rs, _ := newTestServer(nil, nil)
	require.NoError(t, rs.Start())
	assert.NoError(t, rs.Shutdown(context.Background()))
}
