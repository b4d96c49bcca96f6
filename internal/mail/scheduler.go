package mail

import (
	"context"
	"encoding/json"
	"time"

	"mailsched/internal/eventbus"
	logx "mailsched/pkg/logx"
)

// TriggerSendEvent is the task event that carries a Message to send.
const TriggerSendEvent = "triggerSendEvent"

// TaskScheduler is the part of the task scheduler the mail adapter needs.
type TaskScheduler interface {
	FireAt(ctx context.Context, event string, payload any, at time.Time) (string, error)
	On(event string, h eventbus.Handler) (unsubscribe func())
}

// MessageSender is the part of Transport the adapter needs.
type MessageSender interface {
	Send(ctx context.Context, msg Message) (server string, err error)
}

// Scheduler schedules mail through the task scheduler and sends it when
// the task fires.
type Scheduler struct {
	log    logx.Logger
	tasks  TaskScheduler
	sender MessageSender

	// SendTimeout bounds a single delivery attempt across all servers.
	SendTimeout time.Duration

	unsubscribe func()
}

func NewScheduler(tasks TaskScheduler, sender MessageSender, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		log:         log,
		tasks:       tasks,
		sender:      sender,
		SendTimeout: 2 * time.Minute,
	}
	s.unsubscribe = tasks.On(TriggerSendEvent, s.onTriggerSend)
	return s
}

// SendMailAt schedules msg for delivery at the unix-millisecond timestamp
// and returns the task id.
func (s *Scheduler) SendMailAt(ctx context.Context, msg Message, timestampMillis int64) (string, error) {
	return s.tasks.FireAt(ctx, TriggerSendEvent, msg, time.UnixMilli(timestampMillis))
}

func (s *Scheduler) onTriggerSend(ctx context.Context, e eventbus.Event) {
	var msg Message
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		s.log.Error("invalid mail payload", logx.String("task_id", e.TaskID), logx.Err(err))
		return
	}
	if s.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.SendTimeout)
		defer cancel()
	}
	server, err := s.sender.Send(ctx, msg)
	if err != nil {
		// Fired tasks are not retried; the failure is only logged.
		s.log.Error("failed to send email",
			logx.String("task_id", e.TaskID),
			logx.String("subject", msg.Subject),
			logx.Err(err),
		)
		return
	}
	s.log.Info("scheduled email sent",
		logx.String("task_id", e.TaskID),
		logx.String("server", server),
		logx.Int("recipients", len(msg.Recipients())),
	)
}

// Close stops reacting to fired mail tasks.
func (s *Scheduler) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}
