// Package sinks implements progress consumers: structured logging and a
// notifier that forwards render completions to a message publisher.
package sinks
