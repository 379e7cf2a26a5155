// Package transcribe provides the OpenAI speech-to-text client used by the
// transcription stage.
//
// Transcribe uploads one audio file as multipart form data and requests the
// verbose JSON response so the reported audio duration can price the call.
// Rate limits and transient server errors are retried with exponential
// backoff; HealthCheck only verifies configuration because a real probe would
// bill a transcription.
package transcribe
