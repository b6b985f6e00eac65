// Package api exposes the engine over a small REST surface: command
// submission, workflow management, plan inspection and cancellation,
// capability updates, approvals and the activity feed.
package api
