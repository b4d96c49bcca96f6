package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Validate checks values that would otherwise fail later at wiring time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	for path, raw := range map[string]string{
		"http.read_timeout":                 cfg.HTTP.ReadTimeout,
		"http.write_timeout":                cfg.HTTP.WriteTimeout,
		"http.shutdown_timeout":             cfg.HTTP.ShutdownTimeout,
		"scheduler.schedule_window":         cfg.Scheduler.ScheduleWindow,
		"scheduler.database_check_interval": cfg.Scheduler.DatabaseCheckInterval,
		"scheduler.store_timeout":           cfg.Scheduler.StoreTimeout,
		"storage.busy_timeout":              cfg.Storage.BusyTimeout,
		"mail.send_timeout":                 cfg.Mail.SendTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Scheduler.ScheduleWindowInMilliseconds < 0 {
		errs = append(errs, errors.New("scheduler.schedule_window_in_milliseconds must be >= 0"))
	}
	if cfg.Scheduler.DatabaseCheckIntervalInMilliseconds < 0 {
		errs = append(errs, errors.New("scheduler.database_check_interval_in_milliseconds must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory", "mem":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}

	switch strings.ToUpper(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level: %s", cfg.Logging.Level))
	}

	if cfg.Mail.RatePerSec < 0 {
		errs = append(errs, errors.New("mail.rate_per_sec must be >= 0"))
	}
	seen := map[string]bool{}
	for i, s := range cfg.Mail.Servers {
		p := fmt.Sprintf("mail.servers[%d]", i)
		if strings.TrimSpace(s.Host) == "" {
			errs = append(errs, fmt.Errorf("%s.host is required", p))
		}
		if s.Port < 0 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s.port out of range", p))
		}
		if _, err := mail.ParseAddress(s.Sender); err != nil {
			errs = append(errs, fmt.Errorf("%s.sender: %w", p, err))
		}
		if _, err := ParseDurationField(p+".timeout", s.Timeout); err != nil {
			errs = append(errs, err)
		}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = strings.TrimSpace(s.Host)
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("%s: duplicate server name %q", p, name))
		}
		seen[name] = true
	}

	return errors.Join(errs...)
}
