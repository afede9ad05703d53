// Package task owns the consumer side of the job queue: the single worker
// that claims and processes jobs, the manager that creates and destroys it,
// and the supervisor that recreates it after a crash.
package task
