// Package core implements the connection pool engine: admission, per-source
// handle queues, seed management, selection strategies, background validation,
// and the execute-with-retry loop that keeps protection-limit faults away from
// callers.
//
// The public API lives in the root dvpool package; core is the machinery
// behind it.
package core
