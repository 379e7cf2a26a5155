// Package stage defines the contract every pipeline stage obeys and the
// runner that enforces it: precondition and gate checks, the currentness
// skip, the episode budget guard, run bookkeeping, provenance, downstream
// invalidation, and the single-transaction commit of a successful attempt.
//
// The package also declares the narrow driver ports (LLM, transcription,
// image generation, speech synthesis, media tooling, publishing) that stage
// modules call; concrete clients live under internal/services.
package stage
