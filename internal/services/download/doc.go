// Package download wraps the yt-dlp binary to ingest source episodes.
//
// Fetch downloads the source video as MP4 and captures the provider metadata
// in a single invocation: yt-dlp prints the info JSON on stdout while the
// merged media lands at the requested path. The service writes a stable
// metadata subset next to the video; volatile fields such as view counts and
// expiring format URLs never reach disk, so downstream input hashes stay
// reproducible.
package download
