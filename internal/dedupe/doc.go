// Package dedupe tracks recently seen child replies so a reply that is
// redelivered (pushed twice, or pushed after the poller already recorded it)
// is recorded only once.
//
// Entries are keyed by agent id and reply id, expire after a TTL, and are
// evicted oldest-first once the cache reaches its size bound.
package dedupe
