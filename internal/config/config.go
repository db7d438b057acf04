package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/annel0/gotas/internal/threads"
)

// Config корневая структура конфигурации контроллера.
// Нулевые поля заменяются значениями по умолчанию при загрузке.
type Config struct {
	SocketPath   string `yaml:"socket_path"`
	SavestateDir string `yaml:"savestate_dir"`
	LogDir       string `yaml:"log_dir"`
	LogLevel     string `yaml:"log_level"`

	Target       TargetConfig       `yaml:"target"`
	Movie        MovieConfig        `yaml:"movie"`
	Inputs       InputsConfig       `yaml:"inputs"`
	Hotkeys      map[string]string  `yaml:"hotkeys"`
	FrameAdvance FrameAdvanceConfig `yaml:"frame_advance"`
	Connect      ConnectConfig      `yaml:"connect"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	API          APIConfig          `yaml:"api"`
	EventBus     EventBusConfig     `yaml:"eventbus"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Webhooks     []WebhookConfig    `yaml:"webhooks"`
}

// TargetConfig описывает запуск игры
type TargetConfig struct {
	Path         string   `yaml:"path"`
	Args         []string `yaml:"args"`
	PreloadLib   string   `yaml:"preload_lib"`
	LibDir       string   `yaml:"lib_dir"`
	RunDir       string   `yaml:"run_dir"`
	SoftwareGL   bool     `yaml:"software_gl"`
	MonitorEvery int      `yaml:"monitor_every_ms"`
}

// MovieConfig - параметры фильма
type MovieConfig struct {
	Author       string `yaml:"author"`
	FramerateNum uint32 `yaml:"framerate_num"`
	FramerateDen uint32 `yaml:"framerate_den"`
	Compress     bool   `yaml:"compress"`
	// EndPolicy: stop | hold | disable
	EndPolicy  string `yaml:"end_policy"`
	PauseFrame uint64 `yaml:"pause_frame"`
}

// InputsConfig - политика ввода
type InputsConfig struct {
	// Focus: any combination of game, ui, all
	Focus        []string `yaml:"focus"`
	MouseSupport bool     `yaml:"mouse_support"`
	Controllers  int      `yaml:"controllers"`
}

// FrameAdvanceConfig - автоповтор покадрового продвижения, в тиках опроса
type FrameAdvanceConfig struct {
	Delay        int `yaml:"delay"`
	Frequency    int `yaml:"frequency"`
	PollInterval int `yaml:"poll_interval_ms"`
}

// ConnectConfig - подключение к сокету цели
type ConnectConfig struct {
	Retries    uint64 `yaml:"retries"`
	IntervalMs int    `yaml:"interval_ms"`
	MaxMs      int    `yaml:"max_interval_ms"`
}

// CheckpointConfig - хранилище слотов и остановка потоков
type CheckpointConfig struct {
	// Backend: badger | redis | memory
	Backend          string `yaml:"backend"`
	BadgerDir        string `yaml:"badger_dir"`
	RedisAddr        string `yaml:"redis_addr"`
	RedisDB          int    `yaml:"redis_db"`
	MaxThreads       int    `yaml:"max_threads"`
	QuiesceTimeoutMs int    `yaml:"quiesce_timeout_ms"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// WebhookConfig - получатель событий сессии
type WebhookConfig struct {
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`
	Secret    string   `yaml:"secret"`
	Events    []string `yaml:"events"`
	TimeoutMs int      `yaml:"timeout_ms"`
	Retries   uint64   `yaml:"retries"`
}

// Default возвращает конфигурацию без файла
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Movie.FramerateNum == 0 {
		c.Movie.FramerateNum = 60
	}
	if c.Movie.FramerateDen == 0 {
		c.Movie.FramerateDen = 1
	}
	if c.Movie.EndPolicy == "" {
		c.Movie.EndPolicy = "disable"
	}
	if len(c.Inputs.Focus) == 0 {
		c.Inputs.Focus = []string{"game", "ui"}
	}
	if c.FrameAdvance.Delay == 0 {
		c.FrameAdvance.Delay = 50
	}
	if c.FrameAdvance.Frequency == 0 {
		c.FrameAdvance.Frequency = 2
	}
	if c.FrameAdvance.PollInterval == 0 {
		c.FrameAdvance.PollInterval = 10
	}
	if c.Connect.Retries == 0 {
		c.Connect.Retries = 20
	}
	if c.Connect.IntervalMs == 0 {
		c.Connect.IntervalMs = 100
	}
	if c.Connect.MaxMs == 0 {
		c.Connect.MaxMs = 2000
	}
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "badger"
	}
	if c.Checkpoint.QuiesceTimeoutMs == 0 {
		c.Checkpoint.QuiesceTimeoutMs = 2000
	}
	if c.Target.MonitorEvery == 0 {
		c.Target.MonitorEvery = 1000
	}
}

// GetSocketPath возвращает путь сокета: config -> GOTAS_SOCKET -> /tmp/gotas.socket
func (c *Config) GetSocketPath() string {
	return getWithEnvFallback(c.SocketPath, "GOTAS_SOCKET", filepath.Join(os.TempDir(), "gotas.socket"))
}

// GetSavestateDir возвращает директорию состояний: config -> GOTAS_SAVESTATE_DIR -> ~/.gotas/states
func (c *Config) GetSavestateDir() string {
	def := filepath.Join(os.TempDir(), "gotas", "states")
	if home, err := os.UserHomeDir(); err == nil {
		def = filepath.Join(home, ".gotas", "states")
	}
	return getWithEnvFallback(c.SavestateDir, "GOTAS_SAVESTATE_DIR", def)
}

// GetMetricsAddr возвращает адрес /metrics; пустая строка отключает сервер
func (c *Config) GetMetricsAddr() string {
	return getWithEnvFallback(c.Metrics.Addr, "GOTAS_METRICS_ADDR", "")
}

// GetAPIAddr возвращает адрес REST API; пустая строка отключает сервер
func (c *Config) GetAPIAddr() string {
	return getWithEnvFallback(c.API.Addr, "GOTAS_API_ADDR", "")
}

// GetMaxThreads возвращает потолок потоков: config -> GOTAS_MAX_THREADS -> 1000.
// Больше threads.HeaderCapacity записей заголовок контрольной точки не вмещает.
func (c *Config) GetMaxThreads() int {
	n := 1000
	if c.Checkpoint.MaxThreads > 0 {
		n = c.Checkpoint.MaxThreads
	} else if envVal := os.Getenv("GOTAS_MAX_THREADS"); envVal != "" {
		if v, err := strconv.Atoi(envVal); err == nil && v > 0 {
			n = v
		}
	}
	if n > threads.HeaderCapacity {
		n = threads.HeaderCapacity
	}
	return n
}

// QuiesceTimeout возвращает ограничение ожидания остановки потоков
func (c *Config) QuiesceTimeout() time.Duration {
	return time.Duration(c.Checkpoint.QuiesceTimeoutMs) * time.Millisecond
}

// PollInterval возвращает паузу опроса событий в режиме паузы
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.FrameAdvance.PollInterval) * time.Millisecond
}

// getWithEnvFallback возвращает значение с приоритетом: config -> env -> default
func getWithEnvFallback(value, envVar, def string) string {
	if value != "" {
		return value
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		return envVal
	}
	return def
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV GOTAS_CONFIG, иначе возвращает значения по умолчанию.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GOTAS_CONFIG")
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}
