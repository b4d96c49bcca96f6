// Package httpapi exposes mail scheduling over HTTP.
//
// Routes:
//
//	POST /mails    schedule a message, returns {"taskId": "..."}
//	GET  /healthz  scheduler snapshot
package httpapi
