// Package storage persists delivery markers, subscriptions, settings,
// per-chat features, chat stats and pending alerts.
//
// Drivers:
//   - redis: the production store, shared between processes
//   - sqlite: single-node store in one database file
//   - memory: process-local, for tests and dry runs
//
// Markers are versioned and only move through CompareAndSetMarker, so two
// processes polling the same source can never both advance it.
package storage
