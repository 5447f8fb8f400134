// Package dedupe remembers handled inbound message ids so webhook
// redeliveries are not routed twice. MemoryCache serves a single instance;
// RedisCache is shared when several relays sit behind one webhook.
//
// Deduplication is best-effort: an id is marked only after its message was
// handled, so two concurrent deliveries of the same id may both be routed.
package dedupe
