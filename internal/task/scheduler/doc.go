// Package scheduler fires named events at absolute timestamps, durably.
//
// Every task is persisted before FireAt returns. Tasks due within the
// schedule window are claimed from the store (CREATED -> SCHEDULED) and
// armed as in-memory timers; a periodic sweep picks up the rest. When a
// timer elapses the task moves SCHEDULED -> FIRED and, only if that
// conditional update wins, the event is published. Close rolls armed but
// unfired tasks back to CREATED so the next Start rediscovers them.
//
// The store is the single source of truth: timers are a cache of what to
// do soon, and every cross-timer race is settled by a conditional update.
package scheduler
