// Package tts provides the ElevenLabs text-to-speech client used by the
// narration stage.
//
// Synthesize splits texts above the provider's 5000 character ceiling at
// sentence boundaries, synthesizes each chunk, and returns the concatenated
// MP3 stream. Calls are priced per 1000 billed characters; duration is
// estimated from the constant-bitrate output format. Rate limits and
// transient server errors are retried with exponential backoff.
package tts
