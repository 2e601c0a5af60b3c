// Package storage persists reportd's durable state in a single SQLite file:
//   - Schedule definitions plus the outcome of each schedule's latest run
//   - UI settings (spreadsheet names, sheet URLs) as a key/value table
//
// The store is the single source of truth: the scheduler re-reads it for
// every due-check rather than trusting in-memory copies.
package storage
