// Command redub is the command-line surface of the re-dubbing pipeline:
// episode intake, batch walks, review decisions, prompt registry
// management, status, and the background daemon.
package main
