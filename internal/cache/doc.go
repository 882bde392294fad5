// Package cache mirrors aggregator snapshots into Redis for rendering
// consumers that live outside this process.
//
// Snapshots are coalesced: only the most recent one is kept while the
// worker is busy, so a slow Redis never blocks the aggregator. Each write
// stores the JSON snapshot under <prefix>:snapshot and publishes the same
// payload on <prefix>:updates.
package cache
