// Package queue defines the broker contract the enrichment core enqueues
// into and consumes from, together with an in-process broker.
//
// Jobs belong to a JobClass. Only whole classes are paused: a paused class is
// skipped by Claim while every other class keeps dispatching. Within the
// eligible jobs, higher Priority wins and equal priorities dispatch in enqueue
// order.
package queue
