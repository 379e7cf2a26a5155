// Package review implements the human checkpoints of the pipeline: gate
// evaluation between producer and consumer stages, reviewer decisions with
// their status reverts, punctuation-only auto-approval for corrections, the
// reviewer-facing diff documents, and the append-only decision history log.
package review
