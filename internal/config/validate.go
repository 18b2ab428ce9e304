package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and every duration string.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"sandbox.timeout", cfg.Sandbox.Timeout},
		{"browser.navigate_timeout", cfg.Browser.NavigateTimeout},
		{"task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout},
		{"task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay},
		{"notifier.retry_base", cfg.Notifier.RetryBase},
		{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		{"notifier.webhook.timeout", cfg.Notifier.Webhook.Timeout},
		{"analytics.ttl", cfg.Analytics.TTL},
	}
	var errs []error
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := cfg.Scheduler.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required for postgres"))
	}
	return errors.Join(errs...)
}
