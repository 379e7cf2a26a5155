// Package jobs drives episodes through the pipeline in the background.
//
// The Queue polls the store for actionable episodes, hands each one to a
// worker that walks it through the stage graph, and coalesces duplicates so
// an episode is never walked by two workers at once. A walk that errors
// without halting its episode keeps the episode claimed through a retry
// backoff, so a broken store or driver cannot hot-loop the daemon.
//
// The queue closes pipeline runs left behind by an interrupted process on
// start, publishes notifications for parked reviews, halts, publishes, and
// drained batches, and exposes a Status snapshot with per-driver health for
// the status surface. Process-level single-instance locking lives in
// Acquire, shared by the daemon and batch commands.
package jobs
