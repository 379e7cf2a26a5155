// Package media wraps the ffmpeg and ffprobe binaries for the encode,
// concatenate, extract, and probe operations the pipeline needs.
//
// Segment encodes loop one still image over the chapter narration, burning in
// text overlays and fade transitions. The final cut is assembled with the
// concat demuxer in stream-copy mode so joining segments never re-encodes.
// Commands run under per-operation timeouts and report ffmpeg's stderr in
// their errors.
package media
