// Package cache provides a time-windowed holder for a single value that is expensive to fetch.
//
// A [Value] distinguishes between values that are fresh, which are returned without contacting the
// source, and values that are merely usable, which are returned only when a new fetch fails. This
// allows a poller to hit the cloud service on every tick while still reporting the last good
// reading during a short outage.
//
// Windows are configured independently:
//
//   - Without [WithRefreshAfter], a value stays fresh until it is marked stale. A zero refresh
//     window means the value is never fresh and every call fetches.
//   - Without [WithDiscardAfter], a value stays usable forever. A zero discard window means the
//     value is never used as a fallback.
//
// Concurrent callers of [Value.GetOrUpdate] share a single in-flight fetch.
package cache
