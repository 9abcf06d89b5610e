// Package ingest consumes published-article events from Kafka and starts a
// broadcast for each one.
package ingest
