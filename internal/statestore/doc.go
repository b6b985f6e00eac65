// Package statestore persists the engine's long-lived documents (command
// history, saved workflows, activity entries and capability settings) as
// versioned JSON envelopes on a pluggable backend: local files, MySQL,
// SQLite or Redis.
package statestore
