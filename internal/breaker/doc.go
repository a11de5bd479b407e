// Package breaker implements a per-operation circuit breaker.
//
// Each operation name gets its own circuit, created on first use. A circuit
// starts CLOSED, trips OPEN after FailureThreshold consecutive failures or
// when the failure rate reaches ErrorThresholdPercent over at least
// MinimumSampleSize calls, waits ResetTimeout, then lets up to
// HalfOpenMaxCalls concurrent trial calls through in HALF_OPEN.
// SuccessThreshold consecutive trial successes close it again; any trial
// failure reopens it.
//
// Every call is bounded by TimeoutThreshold. The breaker never retries.
package breaker
