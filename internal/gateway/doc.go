// Package gateway wires coven-relay's components into a running server.
//
// # Overview
//
// The Gateway owns the store, the hybrid router, the WhatsApp and Telegram
// clients, the dedupe cache and the inactivity sweeper. The router decides
// and returns actions; the gateway's Dispatcher performs them.
//
// # Inbound Paths
//
//   - WhatsApp: Meta posts to /webhook/whatsapp. Each message id is
//     checked against the dedupe cache, routed, dispatched and only then
//     marked as seen.
//   - Telegram: the poller long-polls getUpdates and calls
//     HandleOperatorMessage or HandleOutreach.
//   - Sweeper: calls DemoteStale on an interval and delivers the
//     demotion notices.
//
// # HTTP Endpoints
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store reachable)
//   - POST /webhook/whatsapp - WhatsApp notifications
//   - GET /metrics - Prometheus metrics (when enabled)
//   - GET /api/conversations - List conversations (?mode=, ?limit=)
//   - GET /api/conversations/{user_id} - Conversation with recent transcript
//   - POST /api/conversations/{user_id}/release - Return to bot (admin)
//   - POST /api/conversations/{user_id}/outreach - Start a conversation (admin)
//
// The /api routes exist only when auth.jwt_secret is configured.
//
// # Failure Handling
//
// A storage failure while routing a webhook message answers 500 so Meta
// redelivers it. On the operator side the poller leaves the update
// unconfirmed and polls it again. Shutdown waits for the poller before the
// store is closed. Delivery failures are logged, recorded in the ledger and,
// for operator replies, reported back in the topic; they never cause a
// redelivery, so a user message is mirrored at most once.
package gateway
