// Package api - HTTP-сервер состояния контроллера.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/gotas/internal/checkpoint"
	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/metrics"
)

// SlotLister перечисляет заполненные слоты
type SlotLister interface {
	Slots(ctx context.Context) ([]checkpoint.SlotRecord, error)
}

// Config содержит конфигурацию сервера
type Config struct {
	Addr      string             // адрес, например ":8088"
	Status    func() interface{} // снимок состояния сессии
	Slots     SlotLister
	Webhooks  *WebhookDispatcher
	Collector *metrics.Collector
	Logger    *logging.Logger
}

// RestServer отдаёт состояние сессии, слоты и метрики
type RestServer struct {
	router  *gin.Engine
	server  *http.Server
	config  Config
	process *ProcessMetrics
	logger  *logging.Logger
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewRestServer создает сервер
func NewRestServer(config Config) *RestServer {
	if config.Addr == "" {
		config.Addr = ":8088"
	}
	if config.Logger == nil {
		config.Logger = logging.GetComponentLogger("api")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	router.Use(otelgin.Middleware("gotas-api"))
	router.Use(requestLogger(config.Logger))
	if config.Collector != nil {
		router.Use(newHTTPMetrics("gotas_api", config.Collector.Registry()).handler())
	}

	rs := &RestServer{
		router:  router,
		config:  config,
		process: NewProcessMetrics(),
		logger:  config.Logger,
	}
	rs.setupRoutes()
	rs.server = &http.Server{
		Addr:              config.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return rs
}

func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	{
		api.GET("/status", rs.handleStatus)
		api.GET("/slots", rs.handleSlots)
		api.GET("/process", rs.handleProcess)
		api.GET("/webhooks", rs.handleWebhooks)
	}

	if rs.config.Collector != nil {
		rs.router.GET("/metrics", gin.WrapH(rs.config.Collector.Handler()))
	}
}

// Handler возвращает http.Handler сервера
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

// Start начинает слушать адрес. Метод неблокирующий.
func (rs *RestServer) Start() error {
	ln, err := net.Listen("tcp", rs.config.Addr)
	if err != nil {
		return err
	}
	rs.logger.Info("🌐 REST API доступен по адресу %s", ln.Addr())
	go func() {
		if err := rs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rs.logger.Error("Ошибка REST сервера: %v", err)
		}
	}()
	return nil
}

// Shutdown останавливает сервер
func (rs *RestServer) Shutdown(ctx context.Context) error {
	return rs.server.Shutdown(ctx)
}

func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": rs.process.GetUptime(),
	})
}

func (rs *RestServer) handleStatus(c *gin.Context) {
	if rs.config.Status == nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{Success: false, Message: "сессия не запущена"})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "ok", Data: rs.config.Status()})
}

func (rs *RestServer) handleSlots(c *gin.Context) {
	if rs.config.Slots == nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{Success: false, Message: "хранилище слотов не настроено"})
		return
	}
	slots, err := rs.config.Slots.Slots(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, GenericResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "ok", Data: slots})
}

func (rs *RestServer) handleProcess(c *gin.Context) {
	stats := rs.process.GetDetailedMemoryStats()
	if cpu, err := rs.process.GetCPUUsage(); err == nil {
		stats["cpu_percent"] = cpu
	}
	stats["uptime"] = rs.process.GetUptime()
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "ok", Data: stats})
}

func (rs *RestServer) handleWebhooks(c *gin.Context) {
	if rs.config.Webhooks == nil {
		c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "ok", Data: []WebhookStatus{}})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "ok", Data: rs.config.Webhooks.Webhooks()})
}
