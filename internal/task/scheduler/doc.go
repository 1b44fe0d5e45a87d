// Package scheduler owns the task graph.
//
// Tasks are registered with their dependencies, requested with Execute and
// dispatched to a pool.Pool in priority order once every dependency has
// completed. The scheduler applies retries with backoff, enforces per-task
// timeouts, fails dependents of failed or cancelled tasks without running
// them, and publishes every lifecycle transition on the event bus.
//
// Recurring registrations (cron, interval or daily HH:MM) create a fresh task
// instance per trigger.
package scheduler
