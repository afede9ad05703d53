// Package activity records user interactions in an append-only ledger and
// derives short-lived activity context from it: whether a session is actively
// browsing, what it just looked at, and how many distinct users are active.
//
// Writes go through Tracker.Record, which is best-effort. Failures are reported
// to an ErrorSink and never reach the caller, so tracking cannot break the
// action that triggered it.
package activity
