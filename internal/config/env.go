package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix marks environment variables that override file values.
// Nested keys are joined with "_", list entries use their index:
//
//	MAILSCHED_STORAGE_DSN=postgres://...
//	MAILSCHED_MAIL_SERVERS_0_PASSWORD=secret
const EnvPrefix = "MAILSCHED_"

type envSetter func(c *Config, v string) error

func setString(field func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func setBool(field func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func setList(field func(*Config) *[]string) envSetter {
	return func(c *Config, v string) error {
		*field(c) = splitList(v)
		return nil
	}
}

func setInt(field func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func setInt64(field func(*Config) *int64) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

var envKeys = map[string]envSetter{
	"HTTP_ADDR":             setString(func(c *Config) *string { return &c.HTTP.Addr }),
	"HTTP_READ_TIMEOUT":     setString(func(c *Config) *string { return &c.HTTP.ReadTimeout }),
	"HTTP_WRITE_TIMEOUT":    setString(func(c *Config) *string { return &c.HTTP.WriteTimeout }),
	"HTTP_SHUTDOWN_TIMEOUT": setString(func(c *Config) *string { return &c.HTTP.ShutdownTimeout }),
	"HTTP_CORS_ORIGINS":     setList(func(c *Config) *[]string { return &c.HTTP.CORSOrigins }),

	"LOGGING_LEVEL":        setString(func(c *Config) *string { return &c.Logging.Level }),
	"LOGGING_CONSOLE":      setBool(func(c *Config) *bool { return &c.Logging.Console }),
	"LOGGING_FILE_ENABLED": setBool(func(c *Config) *bool { return &c.Logging.File.Enabled }),
	"LOGGING_FILE_PATH":    setString(func(c *Config) *string { return &c.Logging.File.Path }),

	"SCHEDULER_SCHEDULE_WINDOW":                         setString(func(c *Config) *string { return &c.Scheduler.ScheduleWindow }),
	"SCHEDULER_DATABASE_CHECK_INTERVAL":                 setString(func(c *Config) *string { return &c.Scheduler.DatabaseCheckInterval }),
	"SCHEDULER_STORE_TIMEOUT":                           setString(func(c *Config) *string { return &c.Scheduler.StoreTimeout }),
	"SCHEDULER_SCHEDULE_WINDOW_IN_MILLISECONDS":         setInt64(func(c *Config) *int64 { return &c.Scheduler.ScheduleWindowInMilliseconds }),
	"SCHEDULER_DATABASE_CHECK_INTERVAL_IN_MILLISECONDS": setInt64(func(c *Config) *int64 { return &c.Scheduler.DatabaseCheckIntervalInMilliseconds }),

	"STORAGE_DRIVER":       setString(func(c *Config) *string { return &c.Storage.Driver }),
	"STORAGE_PATH":         setString(func(c *Config) *string { return &c.Storage.Path }),
	"STORAGE_DSN":          setString(func(c *Config) *string { return &c.Storage.DSN }),
	"STORAGE_BUSY_TIMEOUT": setString(func(c *Config) *string { return &c.Storage.BusyTimeout }),

	"MAIL_RATE_PER_SEC": setInt(func(c *Config) *int { return &c.Mail.RatePerSec }),
	"MAIL_SEND_TIMEOUT": setString(func(c *Config) *string { return &c.Mail.SendTimeout }),

	"REPORT_SPEC": func(c *Config, v string) error {
		c.Report = &ReportConfig{Spec: v}
		return nil
	},
}

type serverSetter func(s *MailServerConfig, v string) error

var serverKeys = map[string]serverSetter{
	"NAME":     func(s *MailServerConfig, v string) error { s.Name = v; return nil },
	"HOST":     func(s *MailServerConfig, v string) error { s.Host = v; return nil },
	"USERNAME": func(s *MailServerConfig, v string) error { s.Username = v; return nil },
	"PASSWORD": func(s *MailServerConfig, v string) error { s.Password = v; return nil },
	"SENDER":   func(s *MailServerConfig, v string) error { s.Sender = v; return nil },
	"TIMEOUT":  func(s *MailServerConfig, v string) error { s.Timeout = v; return nil },

	"PORT": func(s *MailServerConfig, v string) (err error) {
		s.Port, err = strconv.Atoi(v)
		return err
	},
	"TLS": func(s *MailServerConfig, v string) (err error) {
		s.TLS, err = strconv.ParseBool(v)
		return err
	},
}

// maxEnvServers bounds MAILSCHED_MAIL_SERVERS_<i> so a typo cannot
// allocate a huge slice.
const maxEnvServers = 64

// applyEnv overlays MAILSCHED_* entries from environ ("KEY=value") onto cfg.
// Unknown keys under the prefix are rejected like unknown file fields.
// A server index past the end of the list appends empty entries up to it.
func applyEnv(cfg *Config, environ []string) error {
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, EnvPrefix) {
			continue
		}
		key := strings.TrimPrefix(k, EnvPrefix)
		if set, ok := envKeys[key]; ok {
			if err := set(cfg, v); err != nil {
				return fmt.Errorf("env %s: %w", k, err)
			}
			continue
		}
		if rest, ok := strings.CutPrefix(key, "MAIL_SERVERS_"); ok {
			if err := applyServerEnv(cfg, rest, v); err != nil {
				return fmt.Errorf("env %s: %w", k, err)
			}
			continue
		}
		return fmt.Errorf("env %s: unknown config key", k)
	}
	return nil
}

func applyServerEnv(cfg *Config, rest, v string) error {
	idx, field, ok := strings.Cut(rest, "_")
	if !ok {
		return fmt.Errorf("expected MAIL_SERVERS_<index>_<FIELD>")
	}
	i, err := strconv.Atoi(idx)
	if err != nil || i < 0 || i >= maxEnvServers {
		return fmt.Errorf("invalid server index %q", idx)
	}
	set, ok := serverKeys[field]
	if !ok {
		return fmt.Errorf("unknown server field %q", field)
	}
	for len(cfg.Mail.Servers) <= i {
		cfg.Mail.Servers = append(cfg.Mail.Servers, MailServerConfig{})
	}
	return set(&cfg.Mail.Servers[i], v)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
