// Package procmeta resolves metadata about the thread that fired a tracepoint.
//
// ThreadMetadata holds the thread name, the owning process and its executable,
// read from /proc. Captured records only carry the thread ID, so the span
// exporter looks the rest up here.
//
// Manager caches lookups, including failures:
//
// Queries (read-only):
//   - Get(tid) - Retrieve cached metadata
//   - GetError(tid) - Retrieve the cached lookup error
//
// Commands (mutations):
//   - Resolve(tid) - Get or look up, caching the outcome
//   - Delete(tid) - Forget a thread
//
// The cache is bounded; when full it is reset. Thread IDs are reused by the
// kernel, so a long-lived entry can describe an earlier thread with the same ID.
//
// Thread-safe with RWMutex for concurrent access.
package procmeta
