// Package pipeline walks episodes through their versioned stage graph.
//
// The executor dispatches stage modules and review gates in graph order,
// stops on the first pending review, failure, or budget breach, and hands
// back a report listing every attempt. The batch selector picks out the
// episodes that still have actionable work and feeds them to the executor
// one at a time.
package pipeline
