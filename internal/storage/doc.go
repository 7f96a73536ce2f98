// Package storage persists what the liveness monitor observes.
//
// It records the last liveness event seen per server and an append-only
// log of stale/recovered transitions, so a restarted monitor knows which
// peers it was tracking. Ticker task registrations are never persisted.
package storage
