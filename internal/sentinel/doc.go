// Package sentinel declares the const-string error type used for every
// sentinel error in dvpool.
//
// A sentinel declared with errors.New is a package variable a consumer could
// reassign. Error is string-backed and const-declarable, which removes that
// hazard while keeping full errors.Is compatibility.
package sentinel
