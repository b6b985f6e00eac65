// Package workflow stores saved workflow templates and the submitted command
// history, and fires triggered workflows on schedule.
package workflow
