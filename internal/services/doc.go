// Package services defines shared utilities consumed by the pipeline stage
// modules and external driver integrations.
//
// Key responsibilities:
//   - Context helpers that stamp episode IDs, stage names, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent episode statuses (failed vs cost-limited).
//   - The Details extractor that turns classified errors into structured
//     logging fields.
//
// Use these helpers when wiring new stage logic so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
