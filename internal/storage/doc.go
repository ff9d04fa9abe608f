// Package storage persists per-user setup sessions and forwarding task
// lists. The default driver is a JSON snapshot file rewritten in full on
// every mutation; a SQLite driver is available behind the "sqlite" build tag.
package storage
