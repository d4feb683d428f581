// Package webhook delivers lifecycle events to externally registered HTTP
// subscribers.
//
// # Subscriptions
//
// A subscription names a URL (http or https, non-empty host), one or more
// event types ("*" matches all), a shared secret and optional extra headers.
// A secret is generated when none is supplied. Subscriptions live in a JSON
// file that is replaced atomically on every change, and are only removed by
// an explicit unregister.
//
// # Delivery
//
// Emit looks up the enabled subscriptions for an event and checks each one
// against its own per-minute sliding window. Subscriptions over their limit
// are skipped for that event; the event is dropped for them, not queued.
// The rest get a Delivery on a single FIFO queue drained by a worker pool,
// so Emit never waits on the network.
//
// Each attempt POSTs the envelope
//
//	{"data":{...},"event_type":"task_completed","id":"<delivery id>","timestamp":"...","webhook_id":"<id>"}
//
// encoded as compact JSON with sorted keys. The exact bytes sent are signed:
//
//	X-Webhook-Signature: hex(HMAC-SHA256(secret, body))
//
// along with X-Webhook-Event, X-Webhook-Delivery and User-Agent
// mcpd-webhook/1.0. Subscriber headers are sent too but cannot replace these.
// Receivers can check signatures with Verify.
//
// # Retries
//
// A 2xx response is success; anything else, including a timeout, fails the
// attempt. After failed attempt n the delivery is retried while n <=
// retry_count, after a delay of 2^n seconds capped at the configured maximum,
// so retry_count = 3 means four attempts. The backoff runs on a timer and
// does not hold a worker. Once the budget is spent the delivery is failed.
//
// Every success, retry and terminal failure is appended to a JSON-lines
// delivery log and handed to the OnRecord observer, if one is set.
//
// # Ordering
//
// Deliveries leave the queue in emission order, but with several workers and
// retries in backoff a later event can reach a subscriber before an earlier
// one. Subscribers must not rely on ordering.
//
// Rate limit windows and pending retries are held in memory and start empty
// after a restart.
package webhook
