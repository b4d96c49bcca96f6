package app

import (
	"fmt"
	"strings"
	"time"

	"mailsched/internal/config"
	"mailsched/internal/httpapi"
	"mailsched/internal/mail"
	"mailsched/internal/storage"
	"mailsched/internal/task/scheduler"
	logx "mailsched/pkg/logx"
)

const defaultDBPath = "./data/mailsched.db"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultDBPath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	window, err := config.DurationOrMillis("scheduler.schedule_window", sc.ScheduleWindow, sc.ScheduleWindowInMilliseconds, scheduler.DefaultScheduleWindow)
	if err != nil {
		return scheduler.Config{}, err
	}
	interval, err := config.DurationOrMillis("scheduler.database_check_interval", sc.DatabaseCheckInterval, sc.DatabaseCheckIntervalInMilliseconds, scheduler.DefaultCheckInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	storeTimeout, err := config.ParseDurationOrDefault("scheduler.store_timeout", sc.StoreTimeout, scheduler.DefaultStoreTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{ScheduleWindow: window, CheckInterval: interval, StoreTimeout: storeTimeout}, nil
}

func mapMailConfig(cfg *config.Config) (mail.Config, time.Duration, error) {
	mc := cfg.Mail
	sendTimeout, err := config.ParseDurationOrDefault("mail.send_timeout", mc.SendTimeout, 2*time.Minute)
	if err != nil {
		return mail.Config{}, 0, err
	}
	out := mail.Config{RatePerSec: mc.RatePerSec, Servers: make([]mail.ServerConfig, 0, len(mc.Servers))}
	for i, s := range mc.Servers {
		timeout, err := config.ParseDurationField(fmt.Sprintf("mail.servers[%d].timeout", i), s.Timeout)
		if err != nil {
			return mail.Config{}, 0, err
		}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = strings.TrimSpace(s.Host)
		}
		out.Servers = append(out.Servers, mail.ServerConfig{
			Name:     name,
			Host:     strings.TrimSpace(s.Host),
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
			Sender:   strings.TrimSpace(s.Sender),
			TLS:      s.TLS,
			Timeout:  timeout,
		})
	}
	return out, sendTimeout, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", hc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", hc.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = ":3000"
	}
	return httpapi.Config{
		Addr:            addr,
		CORSOrigins:     hc.CORSOrigins,
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
	}, nil
}
