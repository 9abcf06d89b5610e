// Package storage persists delivery state across restarts.
//
// It holds three kinds of records:
//   - failed notifications waiting for replay, keyed by dedupe key
//   - sent markers that suppress a second delivery of the same dedupe key
//   - audit entries, one per broadcast or replay run
//
// Backends: "file" (JSON Lines journal + snapshot), "sqlite" and "redis".
package storage
