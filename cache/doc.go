// Package cache provides a generic in-process TTL cache with single-flight
// request coalescing and stale-value fallback.
//
// # Single flight
//
// [Cache.Get] returns a fresh entry immediately when one exists. Otherwise it
// ensures that exactly one fetch for the key is in flight: concurrent callers
// for the same missing or expired key attach to the pending fetch instead of
// starting their own, and all of them observe the same resolved value (or
// the same failure). The fetch itself never runs while the cache lock is
// held; the lock covers only registry bookkeeping, so fetches for unrelated
// keys proceed in parallel and a fetch function may safely re-enter the
// cache.
//
// # Stale fallback
//
// When a refresh fetch fails but an older entry is still present, every
// waiter receives the old value instead of the error. This keeps readers
// working through transient backend outages; the entry is retried on the
// next Get after the flight completes. A failed fetch never poisons the key:
// the next call starts a brand-new fetch.
//
// # Cancellation
//
// A caller whose context is cancelled while waiting detaches from the
// pending fetch without cancelling it, since other waiters may still depend
// on the result. The fetch runs on a context derived with
// [context.WithoutCancel] from the caller that started it.
//
// # TTL
//
// Entries are fresh while now - insertedAt < ttl. A TTL <= 0 disables reuse
// entirely: every call coalesces with an in-flight fetch but a completed
// result is never served again. Expired entries are retained for stale
// fallback until overwritten or invalidated.
package cache
