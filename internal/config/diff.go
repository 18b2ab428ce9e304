package config

import (
	"reflect"

	logx "harvester/pkg/logx"
)

// Section names reported by SummarizeChange.
const (
	SectionLogging    = "logging"
	SectionStorage    = "storage"
	SectionSandbox    = "sandbox"
	SectionBrowser    = "browser"
	SectionGroup      = "group"
	SectionTaskEngine = "task_engine"
	SectionScheduler  = "scheduler"
	SectionNotifier   = "notifier"
	SectionMetrics    = "metrics"
	SectionAnalytics  = "analytics"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets are reported only as
// "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(section string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	mark(SectionLogging, !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
	)
	mark(SectionStorage, oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	mark(SectionSandbox, !reflect.DeepEqual(oldCfg.Sandbox, newCfg.Sandbox),
		logx.String("sandbox.backend", newCfg.Sandbox.Backend),
		logx.String("sandbox.timeout", newCfg.Sandbox.Timeout),
		logx.Int("sandbox.memory_mb", newCfg.Sandbox.MemoryMB),
		logx.Float64("sandbox.cpus", newCfg.Sandbox.CPUs),
	)
	mark(SectionBrowser, !reflect.DeepEqual(oldCfg.Browser, newCfg.Browser),
		logx.Bool("browser.enabled", newCfg.Browser.Enabled),
	)
	mark(SectionGroup, oldCfg.Group != newCfg.Group,
		logx.Int("group.max_parallel", newCfg.Group.MaxParallel),
	)
	mark(SectionTaskEngine, oldCfg.TaskEngine != newCfg.TaskEngine,
		logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
		logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
	)
	mark(SectionScheduler, oldCfg.Scheduler != newCfg.Scheduler,
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
	)
	mark(SectionNotifier, oldCfg.Notifier != newCfg.Notifier,
		logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
		logx.Int("notifier.workers", newCfg.Notifier.Workers),
		logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		logx.Bool("notifier.webhook_secret_set", newCfg.Notifier.Webhook.Secret != ""),
		logx.Bool("notifier.smtp_set", newCfg.Notifier.SMTP.Host != ""),
		logx.Bool("notifier.telegram_set", newCfg.Notifier.Telegram.Token != ""),
	)
	mark(SectionMetrics, oldCfg.Metrics != newCfg.Metrics,
		logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
		logx.String("metrics.addr", newCfg.Metrics.Addr),
		logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		logx.Bool("metrics.token_set", newCfg.Metrics.Token != ""),
	)
	mark(SectionAnalytics, oldCfg.Analytics != newCfg.Analytics,
		logx.Bool("analytics.enabled", newCfg.Analytics.Enabled),
	)
	return changed, attrs
}
