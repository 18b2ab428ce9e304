// Package notifier delivers group completion events to their destinations.
//
// A destination string selects the channel:
//
//	https://hooks.example.org/x   webhook POST, JSON body, optional HMAC signature
//	mailto:ops@example.org        email over SMTP
//	ops@example.org               email over SMTP
//	telegram:-100123456           Telegram message to a chat id
//
// Deliveries go through a bounded queue drained by a small worker pool with a
// shared token-bucket rate limit and exponential retry. A delivery that still
// fails is logged and published as notifier.failed; it never touches group or
// run state.
package notifier
