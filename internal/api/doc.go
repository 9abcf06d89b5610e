// Package api is the operator HTTP surface: trigger a broadcast, inspect and
// replay the failed-notification ledger, and read recent run summaries.
//
// Everything under /v1 requires an HS256 bearer token; the token subject is
// the caller identity used for per-caller throttling.
package api
