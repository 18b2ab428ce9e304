package config

import (
	"os"
	"strings"
)

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "./harvester.db"
	}

	s := &c.Sandbox
	if s.Backend == "" {
		s.Backend = "process"
	}
	if s.DefaultRuntime == "" {
		s.DefaultRuntime = "python"
	}
	if s.Timeout == "" {
		s.Timeout = "300s"
	}
	if s.MemoryMB == 0 {
		s.MemoryMB = 2048
	}
	if s.CPUs == 0 {
		s.CPUs = 1
	}
	if s.MaxLogBytes == 0 {
		s.MaxLogBytes = 1 << 20
	}
	if s.Docker.Network == "" {
		s.Docker.Network = "none"
	}
	if s.Docker.PidsLimit == 0 {
		s.Docker.PidsLimit = 256
	}

	if c.Browser.Engine == "" {
		c.Browser.Engine = "chrome"
	}
	if c.Browser.NavigateTimeout == "" {
		c.Browser.NavigateTimeout = "30s"
	}

	if c.Group.MaxParallel == 0 {
		c.Group.MaxParallel = 4
	}

	te := &c.TaskEngine
	if te.Workers == 0 {
		te.Workers = 2
	}
	if te.QueueSize == 0 {
		te.QueueSize = 256
	}
	if te.HistorySize == 0 {
		te.HistorySize = 200
	}

	n := &c.Notifier
	if n.Workers == 0 {
		n.Workers = 2
	}
	if n.QueueSize == 0 {
		n.QueueSize = 512
	}
	if n.RatePerSec == 0 {
		n.RatePerSec = 3
	}
	if n.RetryMax == 0 {
		n.RetryMax = 3
	}
	if n.RetryBase == "" {
		n.RetryBase = "500ms"
	}
	if n.RetryMaxDelay == "" {
		n.RetryMaxDelay = "10s"
	}
	if n.Webhook.Timeout == "" {
		n.Webhook.Timeout = "10s"
	}
	if n.SMTP.Port == 0 {
		n.SMTP.Port = 587
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9464"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "harvester"
	}
	if c.Analytics.Addr == "" {
		c.Analytics.Addr = "127.0.0.1:6379"
	}
	if c.Analytics.Prefix == "" {
		c.Analytics.Prefix = "harvester"
	}
	if c.Analytics.TTL == "" {
		c.Analytics.TTL = "720h"
	}
}

// ApplyEnv overrides secrets and connection strings from the environment.
// Empty variables are ignored.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Logging.Level, "HARVESTER_LOG_LEVEL")
	set(&c.Storage.Driver, "HARVESTER_STORAGE_DRIVER")
	set(&c.Storage.DSN, "HARVESTER_STORAGE_DSN")
	set(&c.Sandbox.Backend, "HARVESTER_SANDBOX_BACKEND")
	set(&c.Notifier.Webhook.Secret, "HARVESTER_WEBHOOK_SECRET")
	set(&c.Notifier.SMTP.Host, "HARVESTER_SMTP_HOST")
	set(&c.Notifier.SMTP.Username, "HARVESTER_SMTP_USERNAME")
	set(&c.Notifier.SMTP.Password, "HARVESTER_SMTP_PASSWORD")
	set(&c.Notifier.Telegram.Token, "HARVESTER_TELEGRAM_TOKEN")
	set(&c.Metrics.Token, "HARVESTER_METRICS_TOKEN")
	set(&c.Analytics.Addr, "HARVESTER_REDIS_ADDR")
	set(&c.Analytics.Password, "HARVESTER_REDIS_PASSWORD")
}
