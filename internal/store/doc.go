// Package store persists episodes and everything the pipeline learns about
// them in SQLite.
//
// The Store manages the database connection, schema migrations, and the
// entity tables: episodes, pipeline runs, content artifacts, prompt versions,
// review tasks with their decision history, and media assets. Episode status
// follows a fixed progression; the orthogonal failed and cost_limit states
// park an episode until an operator retries it.
//
// Stage outcomes commit through RecordStageSuccess and RecordStageFailure,
// which close the run, write artifacts and assets, and move the episode in a
// single transaction. An interrupted process therefore never leaves an
// episode claiming progress its files do not have.
//
// Treat this package as the single source of truth for lifecycle semantics;
// new statuses or tables arrive as numbered files under migrations/.
package store
