package config

// Config is the harvester configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Secrets may be left empty in the file and supplied through HARVESTER_*
// environment variables instead (see ApplyEnv).
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Sandbox    SandboxConfig    `json:"sandbox"`
	Browser    BrowserConfig    `json:"browser"`
	Group      GroupConfig      `json:"group"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Notifier   NotifierConfig   `json:"notifier"`
	Metrics    MetricsConfig    `json:"metrics"`
	Analytics  AnalyticsConfig  `json:"analytics"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
	// Components overrides level per component ("sandbox": "debug").
	Components map[string]string `json:"components,omitempty" validate:"omitempty,dive,oneof=trace debug info warn warning error off TRACE DEBUG INFO WARN WARNING ERROR OFF"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the record store.
//
//	"storage": { "driver": "sqlite", "dsn": "./harvester.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://user@host/db?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	MaxOpenConn int    `json:"max_open_conns,omitempty" validate:"gte=0"`
}

// SandboxConfig controls how routines are isolated.
//
// Defaults: backend "process", runtime "python", timeout "300s",
// memory_mb 2048, cpus 1.0, max_log_bytes 1 MiB.
type SandboxConfig struct {
	Backend        string                     `json:"backend" validate:"omitempty,oneof=process docker"`
	DefaultRuntime string                     `json:"default_runtime"`
	Timeout        string                     `json:"timeout"`
	MemoryMB       int                        `json:"memory_mb" validate:"gte=0"`
	CPUs           float64                    `json:"cpus" validate:"gte=0"`
	MaxLogBytes    int                        `json:"max_log_bytes" validate:"gte=0"`
	WorkRoot       string                     `json:"work_root,omitempty"`
	Runtimes       map[string]RuntimeOverride `json:"runtimes,omitempty" validate:"dive"`
	Docker         DockerConfig               `json:"docker"`
}

// RuntimeOverride replaces the interpreter command or container image of a
// built-in runtime.
type RuntimeOverride struct {
	Command []string `json:"command,omitempty"`
	Image   string   `json:"image,omitempty"`
}

// DockerConfig configures the docker backend. Host is the engine endpoint
// (empty uses DOCKER_HOST); Network defaults to "none" so routines reach
// pages only through the capability socket.
type DockerConfig struct {
	Host      string `json:"host,omitempty"`
	Network   string `json:"network,omitempty"`
	PidsLimit int    `json:"pids_limit,omitempty" validate:"gte=0"`
}

// BrowserConfig controls the headless browser behind the capability handle.
// When disabled, routines still run but every page operation fails.
// Engine "chrome" (default) drives headless Chrome; "http" fetches pages
// without running scripts.
type BrowserConfig struct {
	Enabled         bool     `json:"enabled"`
	Engine          string   `json:"engine,omitempty" validate:"omitempty,oneof=chrome http"`
	ExecPath        string   `json:"exec_path,omitempty"`
	Headless        *bool    `json:"headless,omitempty"`
	UserAgent       string   `json:"user_agent,omitempty"`
	Flags           []string `json:"flags,omitempty"`
	NavigateTimeout string   `json:"navigate_timeout,omitempty"`
}

type GroupConfig struct {
	MaxParallel int `json:"max_parallel" validate:"gte=0"`
}

// TaskEngineConfig controls the async command queue.
//
// Defaults: workers 2, queue_size 256, default_timeout "0s" (disabled),
// max_queue_delay "0s" (disabled), history_size 200.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls delivery of group completion events.
type NotifierConfig struct {
	Enabled       bool           `json:"enabled"`
	Workers       int            `json:"workers" validate:"gte=0"`
	QueueSize     int            `json:"queue_size" validate:"gte=0"`
	RatePerSec    int            `json:"rate_per_sec" validate:"gte=0"`
	RetryMax      int            `json:"retry_max" validate:"gte=0"`
	RetryBase     string         `json:"retry_base"`
	RetryMaxDelay string         `json:"retry_max_delay"`
	Webhook       WebhookConfig  `json:"webhook"`
	SMTP          SMTPConfig     `json:"smtp"`
	Telegram      TelegramConfig `json:"telegram"`
}

type WebhookConfig struct {
	Secret  string `json:"secret,omitempty"` // HMAC key; do not log
	Timeout string `json:"timeout,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	From     string `json:"from,omitempty" validate:"omitempty,email"`
	// Security is "starttls" (default), "tls" for implicit TLS, or "none".
	Security string `json:"security,omitempty" validate:"omitempty,oneof=starttls tls none"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"` // do not log
}

// MetricsConfig controls the ops HTTP server: /metrics, /healthz and,
// when Pprof is set, /debug/pprof/. A non-loopback Addr requires Token
// unless AllowInsecure is set.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Namespace     string `json:"namespace,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	Pprof         bool   `json:"pprof,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// AnalyticsConfig enables redis-backed run outcome counters.
type AnalyticsConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty" validate:"gte=0"`
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}
