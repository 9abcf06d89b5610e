// Package scheduler triggers periodic jobs (ledger replay) on cron or
// interval schedules, skipping a trigger while the previous run is in flight.
package scheduler
