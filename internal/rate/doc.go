// Package rate implements the pool-wide adaptive parallelism controller.
//
// The controller runs an AIMD loop over one number: the current parallelism
// cap for in-flight requests against the organization. Successful batch
// completions feed additive increases; service protection throttles feed
// multiplicative decreases. Several ceilings bound the cap at all times: a
// hard per-source limit, a conservative pre-sample limit, a time-limited
// ceiling derived from the most recent throttle, and two budget-derived
// ceilings computed from observed batch durations.
//
// All state lives behind a single mutex; transitions are short arithmetic
// with no I/O. Nothing is persisted — a process restart starts cold.
package rate
