// Package notifications delivers pipeline events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when no topic is set. Each
// event kind has its own switch under [notifications], and repeated identical
// messages are deduplicated inside a configurable window so a flapping
// episode does not flood the subscriber.
//
// Extend this package if you need alternative transports; all pipeline code
// depends only on the simple Service interface.
package notifications
