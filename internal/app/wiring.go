package app

import (
	"fmt"
	"strings"
	"time"

	"harvester/internal/browser"
	"harvester/internal/config"
	"harvester/internal/notifier"
	"harvester/internal/sandbox"
	"harvester/internal/storage"
	"harvester/internal/task/engine"
	"harvester/internal/task/scheduler"
	logx "harvester/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Components: cfg.Logging.Components,
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:       cfg.Storage.Driver,
		DSN:          cfg.Storage.DSN,
		BusyTimeout:  config.MustDuration(cfg.Storage.BusyTimeout, 5*time.Second),
		MaxOpenConns: cfg.Storage.MaxOpenConn,
	}
}

// pageProvider returns nil when the browser is disabled.
func pageProvider(cfg config.BrowserConfig, log logx.Logger) browser.Provider {
	if !cfg.Enabled {
		return nil
	}
	nav := config.MustDuration(cfg.NavigateTimeout, 30*time.Second)
	if cfg.Engine == "http" {
		return browser.NewHTTPProvider(nav, cfg.UserAgent)
	}
	headless := true
	if cfg.Headless != nil {
		headless = *cfg.Headless
	}
	return browser.NewChromeProvider(browser.ChromeOptions{
		ExecPath:        cfg.ExecPath,
		Headless:        headless,
		UserAgent:       cfg.UserAgent,
		Flags:           cfg.Flags,
		NavigateTimeout: nav,
	}, log)
}

func sandboxLimits(cfg config.SandboxConfig) sandbox.Limits {
	return sandbox.Limits{
		Timeout:     config.MustDuration(cfg.Timeout, 300*time.Second),
		MemoryBytes: int64(cfg.MemoryMB) << 20,
		CPUs:        cfg.CPUs,
		MaxLogBytes: cfg.MaxLogBytes,
	}
}

func buildSandbox(cfg config.SandboxConfig, pages browser.Provider, log logx.Logger) (*sandbox.Runner, error) {
	reg := sandbox.Builtins()
	for name, ov := range cfg.Runtimes {
		if err := reg.Override(name, ov.Command, ov.Image); err != nil {
			return nil, fmt.Errorf("sandbox.runtimes: %w", err)
		}
	}
	if _, ok := reg.Lookup(cfg.DefaultRuntime); !ok {
		return nil, fmt.Errorf("sandbox.default_runtime: unknown runtime %q (have %s)", cfg.DefaultRuntime, strings.Join(reg.Names(), ", "))
	}

	var iso sandbox.Isolator = sandbox.NewProcessIsolator()
	if cfg.Backend == "docker" {
		d, err := sandbox.NewDockerIsolator(sandbox.DockerOptions{
			Host:      cfg.Docker.Host,
			Network:   cfg.Docker.Network,
			PidsLimit: cfg.Docker.PidsLimit,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("sandbox.docker: %w", err)
		}
		iso = d
	}
	return sandbox.New(sandbox.Options{
		Isolator:       iso,
		Runtimes:       reg,
		DefaultRuntime: cfg.DefaultRuntime,
		Pages:          pages,
		WorkRoot:       cfg.WorkRoot,
		Defaults:       sandboxLimits(cfg),
		Log:            log,
	}), nil
}

func engineConfig(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: config.MustDuration(te.DefaultTimeout, 0),
		MaxQueueDelay:  config.MustDuration(te.MaxQueueDelay, 0),
		HistorySize:    te.HistorySize,
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func notifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     config.MustDuration(n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: config.MustDuration(n.RetryMaxDelay, 10*time.Second),
	}
}

// senders builds one sender per configured channel. The webhook sender is
// always present; email and telegram need credentials.
func senders(cfg *config.Config, log logx.Logger) []notifier.Sender {
	n := cfg.Notifier
	out := []notifier.Sender{notifier.NewWebhookSender(n.Webhook.Secret, config.MustDuration(n.Webhook.Timeout, 10*time.Second))}

	if n.SMTP.Host != "" {
		es, err := notifier.NewEmailSender(notifier.SMTPConfig{
			Host:     n.SMTP.Host,
			Port:     n.SMTP.Port,
			Username: n.SMTP.Username,
			Password: n.SMTP.Password,
			From:     n.SMTP.From,
			Security: n.SMTP.Security,
		})
		if err != nil {
			log.Warn("email notifications disabled", logx.Err(err))
		} else {
			out = append(out, es)
		}
	}
	if n.Telegram.Token != "" {
		ts, err := notifier.NewTelegramSender(notifier.TelegramConfig{Token: n.Telegram.Token})
		if err != nil {
			log.Warn("telegram notifications disabled", logx.Err(err))
		} else {
			out = append(out, ts)
		}
	}
	return out
}
