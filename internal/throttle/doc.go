// Package throttle tracks per-source service protection state and classifies
// remote faults into the events the pool reacts to.
//
// Tracker is pure bookkeeping: it records when each source was throttled and
// for how long, and answers "is this source usable right now". Detector sits
// on the dispatch path and maps raw faults to throttle recordings, typed
// authentication errors, or passthrough.
package throttle
