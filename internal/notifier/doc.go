// Package notifier turns a published article into deliveries.
//
// An Orchestrator loads the recipients of every enabled channel, builds one
// request per (recipient, channel) and pushes each channel through its
// dispatcher, token bucket and retry policy. Channels run concurrently; the
// chunks of one channel run in order. Requests whose retries run out go to
// the failure ledger, which Replay drives back through the same pipeline.
//
// # State
//
// Everything shared between broadcasts lives in a Context built once per
// process: the ledger, the per-channel buckets, the retry policy, the store
// and the event bus. Tests build their own.
//
// # Duplicates
//
// A successful delivery leaves a sent marker for its dedupe key. A later
// broadcast or replay of the same key reports a duplicate instead of sending
// again.
package notifier
