// Package lock provides the distributed lock backends resolved through the
// extension registry under the Capability id.
//
// Every Backend acquires a key for an owner token with a lease, polling up to
// a wait budget, and releases only while the stored owner still matches.
// Direct and Scripted talk to Redis. Managed delegates to a Manager, by
// default a RedisManager that decides ownership atomically in Redis and
// listens on a syncbus for early wake-ups. The inmemory backend uses an
// InMemoryManager and only excludes callers in the same process.
// Logging, Metrics and Tracing decorate whichever backend is selected.
package lock
