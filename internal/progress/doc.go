// Package progress carries render lifecycle events from the scheduler and
// pipeline to pluggable sinks. Emit never blocks the render path: events are
// buffered, batched on a background goroutine by size or age, and dropped
// with a rate-limited warning when the buffer is full.
package progress
