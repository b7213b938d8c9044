// Package reliability provides the failure-handling primitives used by the
// saga engine: a three-state circuit breaker that guards stage executor
// calls, and retry policies that individual stages may opt into.
package reliability
