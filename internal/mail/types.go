package mail

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrClosed = errors.New("mail transport closed")

// Message is the payload stored with a scheduled send. From is always
// replaced by the sender of the server that delivers it.
type Message struct {
	From    string   `json:"from,omitempty"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Text    string   `json:"text,omitempty"`
	HTML    string   `json:"html,omitempty"`
}

// Recipients returns every envelope recipient (to, cc and bcc).
func (m Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// ServerConfig is one outbound SMTP server. Servers are tried in config order.
type ServerConfig struct {
	Name     string
	Host     string
	Port     int
	Username string
	Password string
	// Sender is the From address used when sending through this server.
	Sender string
	// TLS selects implicit TLS (smtps). Otherwise STARTTLS is used when offered.
	TLS     bool
	Timeout time.Duration
}

type Config struct {
	Servers []ServerConfig
	// RatePerSec caps outbound sends across all servers. 0 means unlimited.
	RatePerSec int
}

// SendError reports a message that no configured server accepted.
// Errors holds the failure of each server, keyed by server name.
type SendError struct {
	Subject string
	Errors  map[string]error
}

func (e *SendError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Errors[name]))
	}
	if len(parts) == 0 {
		return "failed to send email: no mail servers configured"
	}
	return "failed to send email: " + strings.Join(parts, "; ")
}

func (e *SendError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		out = append(out, err)
	}
	return out
}
