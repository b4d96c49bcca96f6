package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "mailsched/pkg/logx"
)

// Event is what a subscriber receives when a named event fires.
//
// Payload is delivered verbatim as it was stored; decoding it is the
// subscriber's job.
type Event struct {
	Name    string
	TaskID  string
	Time    time.Time
	Payload json.RawMessage
}

// Handler consumes one event. Errors and retries are the handler's concern:
// the bus never re-delivers.
type Handler func(ctx context.Context, e Event)

type Bus interface {
	Publish(ctx context.Context, e Event) int
	Subscribe(name string, h Handler) (unsubscribe func())
	Subscribers(name string) int
}

type subscription struct {
	id uint64
	h  Handler
}

// New returns an in-memory registry mapping event names to ordered handler lists.
//
// It does not own any background goroutines: Publish runs handlers on the
// caller's goroutine in registration order.
func New(log logx.Logger) Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &registry{log: log, subs: map[string][]subscription{}}
}

type registry struct {
	log logx.Logger

	mu   sync.RWMutex
	subs map[string][]subscription
	seq  atomic.Uint64
}

// Publish invokes every handler registered for e.Name and returns how many ran.
// A panicking handler is recovered and logged; later handlers still run.
func (b *registry) Publish(ctx context.Context, e Event) int {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot so handlers may (un)subscribe without deadlocking.
	b.mu.RLock()
	hs := append([]subscription(nil), b.subs[e.Name]...)
	b.mu.RUnlock()

	for _, s := range hs {
		b.invoke(ctx, s, e)
	}
	return len(hs)
}

func (b *registry) invoke(ctx context.Context, s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				logx.String("event", e.Name),
				logx.String("task_id", e.TaskID),
				logx.String("panic", fmt.Sprint(r)),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	s.h(ctx, e)
}

func (b *registry) Subscribe(name string, h Handler) func() {
	if h == nil {
		return func() {}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[name] = append(b.subs[name], subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[name]
			for i, s := range list {
				if s.id != id {
					continue
				}
				next := make([]subscription, 0, len(list)-1)
				next = append(next, list[:i]...)
				next = append(next, list[i+1:]...)
				if len(next) == 0 {
					delete(b.subs, name)
				} else {
					b.subs[name] = next
				}
				return
			}
		})
	}
}

func (b *registry) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
