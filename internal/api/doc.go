// Package api exposes activity recording, job enqueueing and queue status
// over HTTP. Handlers translate requests into calls on the activity tracker,
// priority manager and task manager, and map their errors to status codes
// without leaking internal detail. Route wiring lives in cmd/server.
package api
