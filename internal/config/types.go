package config

import "strings"

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Mail      MailConfig      `json:"mail"`

	// Report configures the periodic task-count log line.
	// Omitted means the default spec; an empty spec disables it.
	Report *ReportConfig `json:"report,omitempty"`
}

type HTTPConfig struct {
	Addr            string   `json:"addr"` // default ":3000"
	CORSOrigins     []string `json:"cors_origins,omitempty"`
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the task scheduler.
//
// The *_in_milliseconds fields are accepted for configs carried over from
// older deployments; they are used only when the duration string is empty.
type SchedulerConfig struct {
	ScheduleWindow        string `json:"schedule_window,omitempty"`         // default "10m"
	DatabaseCheckInterval string `json:"database_check_interval,omitempty"` // default "5m"
	StoreTimeout          string `json:"store_timeout,omitempty"`           // default "5s"

	ScheduleWindowInMilliseconds        int64 `json:"schedule_window_in_milliseconds,omitempty"`
	DatabaseCheckIntervalInMilliseconds int64 `json:"database_check_interval_in_milliseconds,omitempty"`
}

// StorageConfig controls the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/mailsched.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://user:pass@db/mailsched" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn,omitempty"`          // postgres only; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MailConfig lists outbound servers in the order they are tried.
type MailConfig struct {
	RatePerSec  int                `json:"rate_per_sec,omitempty"`
	SendTimeout string             `json:"send_timeout,omitempty"` // default "2m"
	Servers     []MailServerConfig `json:"servers"`
}

type MailServerConfig struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	Sender   string `json:"sender"`
	TLS      bool   `json:"tls,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type ReportConfig struct {
	// Spec is a cron spec ("@every 1m", "*/5 * * * *").
	Spec string `json:"spec"`
}

const DefaultReportSpec = "@every 1m"

// ReportSpec resolves the effective report spec; "" means disabled.
func (c *Config) ReportSpec() string {
	if c == nil || c.Report == nil {
		return DefaultReportSpec
	}
	return strings.TrimSpace(c.Report.Spec)
}
