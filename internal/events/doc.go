// Package events decouples the request path from the job queue.
//
// Handlers that record user activity emit an EnrichmentRequestEvent when an
// action should cause metadata enrichment. The emitter fans the event out to
// registered handlers, typically the queue's enqueue handler, without the
// emitting code knowing about priorities or brokers.
package events
