// Package ratelimit provides the two throttling primitives of the service:
// a lazily refilled token bucket for outbound provider calls and a per-caller
// sliding window for inbound API requests.
package ratelimit
