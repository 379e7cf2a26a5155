// Package llm provides the OpenRouter chat client used by the text stages.
//
// This package is used by:
//   - Correction stage: clean up raw transcripts
//   - Translation stage: translate corrected transcripts
//   - Adaptation stage: rewrite translations for narration
//   - Chapterization stage: split scripts into chapters with image prompts
//
// # Requests
//
// Call sends a single chat completion built from a system prompt, a user
// prompt, an optional per-request model, and pass-through model parameters
// from the prompt template frontmatter. Responses report the text along with
// prompt/completion token counts and the provider-metered cost in USD.
//
// # Configuration
//
// Requires api_key and model, optionally base_url, referer, title, timeout,
// and max_attempts. The base URL is the full chat completions endpoint.
//
// # Retry Behaviour
//
// The client retries on HTTP 408/429/5xx errors, network timeouts, and empty
// completions with exponential backoff (base 1s, max 10s, up to 5 attempts by
// default), honoring Retry-After when present. Model refusals and moderation
// blocks are terminal and surface as content policy errors so the pipeline
// halts instead of burning retries.
package llm
