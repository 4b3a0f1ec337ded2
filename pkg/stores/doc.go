// Package stores persists reconciliation history for netfroyo.
// It includes a SQLite-based store with WAL mode and embedded migrations
// that records runs, their operations, checkpoint outcomes and the event
// timeline. SQLiteStore plugs into the engine as both a RunRecorder and an
// EventPublisher.
package stores
