// Package engine is the service object in front of the command pipeline.
// It accepts free text, saved workflows, capability updates and plan
// cancellations, queues the resulting plans, and serves read-only snapshots
// of plans, activity entries, capabilities, workflows and command history.
package engine
