// Package textutil provides the text processing shared across the pipeline:
// sentence-aware chunking for LLM and TTS requests, word-level diffing for
// review documents, token fingerprints with cosine similarity for scoring
// how heavily a revision rewrites its input, and slug sanitization for
// identifiers that become file names.
//
// Fingerprints use term frequency vectors normalized for efficient comparison.
// The tokenization process lowercases text, splits on non-alphanumeric
// characters, and filters tokens shorter than 3 characters.
package textutil
