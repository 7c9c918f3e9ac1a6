// Package notifier delivers short operator reports, one per finished pass,
// to a chat.
//
// Notifications are queued and sent by a small worker pool under a shared
// token-bucket rate limit, retried with jittered exponential backoff, and
// de-duplicated within a window so a flapping condition does not flood the
// chat. Delivery goes through a transport.Sender.
package notifier
