package config

import (
	"reflect"
	"strings"

	logx "mailsched/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// fields for logging. Mail passwords and usernames are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		fields = append(fields, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.String("scheduler.schedule_window", newCfg.Scheduler.ScheduleWindow),
			logx.String("scheduler.database_check_interval", newCfg.Scheduler.DatabaseCheckInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Mail, newCfg.Mail) {
		changed = append(changed, "mail")
		names := make([]string, 0, len(newCfg.Mail.Servers))
		for _, s := range newCfg.Mail.Servers {
			n := strings.TrimSpace(s.Name)
			if n == "" {
				n = strings.TrimSpace(s.Host)
			}
			names = append(names, n)
		}
		fields = append(fields,
			logx.Strings("mail.servers", names),
			logx.Int("mail.rate_per_sec", newCfg.Mail.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
		fields = append(fields, logx.String("report.spec", newCfg.ReportSpec()))
	}

	return changed, fields
}
