// Package imagegen provides the OpenAI image generation client used by the
// chapter image stage.
//
// Generate submits one prompt and returns the decoded image bytes plus the
// provider's revised prompt when present. Calls are priced by quality tier.
// Rate limits and transient server errors are retried with exponential
// backoff; content policy rejections are terminal so the stage halts for
// human review instead of retrying a prompt the provider will keep refusing.
package imagegen
