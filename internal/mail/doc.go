// Package mail delivers scheduled mail.
//
// Transport sends through an ordered list of SMTP servers and fails only
// when every server failed. Scheduler is the thin adapter that turns
// "send this message at T" into a task on the task scheduler and sends it
// when the task fires.
package mail
