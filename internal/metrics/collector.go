// Package metrics содержит Prometheus-метрики контроллера и целевого процесса.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/annel0/gotas/internal/logging"
)

// Collector инкапсулирует метрики одной стороны сессии.
// Все методы безопасны для nil-получателя, чтобы метрики можно было не включать.
type Collector struct {
	registry *prometheus.Registry

	Frames         prometheus.Counter
	ExchangeTime   prometheus.Histogram
	Savestates     *prometheus.CounterVec
	Loadstates     *prometheus.CounterVec
	ProtocolErrors prometheus.Counter
	LiveThreads    prometheus.Gauge
	MovieFrames    prometheus.Gauge
	Rerecords      prometheus.Gauge
	TargetCPU      prometheus.Gauge
	TargetRSS      prometheus.Gauge
	TargetThreads  prometheus.Gauge
}

// NewCollector создаёт метрики в собственном регистре с пространством имён namespace
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Число пройденных границ кадров.",
		}),
		ExchangeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "boundary_exchange_seconds",
			Help:      "Длительность обмена на границе кадра.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		Savestates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "savestates_total",
			Help:      "Сохранения состояния по исходу.",
		}, []string{"result"}),
		Loadstates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loadstates_total",
			Help:      "Загрузки состояния по исходу.",
		}, []string{"result"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Фатальные ошибки протокола и транспорта.",
		}),
		LiveThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_threads",
			Help:      "Число отслеживаемых потоков целевого процесса.",
		}),
		MovieFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "movie_frames",
			Help:      "Длина текущего фильма.",
		}),
		Rerecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "movie_rerecords",
			Help:      "Счётчик перезаписей фильма.",
		}),
		TargetCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_cpu_percent",
			Help:      "Загрузка CPU целевым процессом.",
		}),
		TargetRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_rss_bytes",
			Help:      "Резидентная память целевого процесса.",
		}),
		TargetThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_os_threads",
			Help:      "Число потоков ОС целевого процесса.",
		}),
	}

	c.registry.MustRegister(
		c.Frames, c.ExchangeTime, c.Savestates, c.Loadstates, c.ProtocolErrors,
		c.LiveThreads, c.MovieFrames, c.Rerecords,
		c.TargetCPU, c.TargetRSS, c.TargetThreads,
	)
	return c
}

// Registry возвращает регистр метрик
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler возвращает HTTP-обработчик /metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveFrame отмечает завершённую границу кадра
func (c *Collector) ObserveFrame(exchange time.Duration) {
	if c == nil {
		return
	}
	c.Frames.Inc()
	c.ExchangeTime.Observe(exchange.Seconds())
}

// ObserveSavestate отмечает исход сохранения
func (c *Collector) ObserveSavestate(result string) {
	if c == nil {
		return
	}
	c.Savestates.WithLabelValues(result).Inc()
}

// ObserveLoadstate отмечает исход загрузки
func (c *Collector) ObserveLoadstate(result string) {
	if c == nil {
		return
	}
	c.Loadstates.WithLabelValues(result).Inc()
}

// ObserveProtocolError отмечает фатальную ошибку сессии
func (c *Collector) ObserveProtocolError() {
	if c == nil {
		return
	}
	c.ProtocolErrors.Inc()
}

// SetLiveThreads обновляет число потоков
func (c *Collector) SetLiveThreads(n int) {
	if c == nil {
		return
	}
	c.LiveThreads.Set(float64(n))
}

// SetMovie обновляет длину фильма и счётчик перезаписей
func (c *Collector) SetMovie(frames uint64, rerecords uint32) {
	if c == nil {
		return
	}
	c.MovieFrames.Set(float64(frames))
	c.Rerecords.Set(float64(rerecords))
}

// SetTarget обновляет показатели целевого процесса
func (c *Collector) SetTarget(cpu float64, rss uint64, osThreads int32) {
	if c == nil {
		return
	}
	c.TargetCPU.Set(cpu)
	c.TargetRSS.Set(float64(rss))
	c.TargetThreads.Set(float64(osThreads))
}

// StartHTTP запускает отдельный HTTP-эндпоинт /metrics. Метод неблокирующий.
func (c *Collector) StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.Info("📈 Prometheus /metrics доступен по адресу %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("Ошибка Prometheus HTTP сервера: %v", err)
		}
	}()
	return srv
}
