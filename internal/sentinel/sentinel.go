package sentinel

var _ error = Error("")

// Error is a sentinel error declared as a string constant. Declaring
// sentinels as consts (rather than errors.New vars) makes them immutable:
// nothing in or outside the module can reassign them.
//
// Error is a comparable type, so the == fallback inside errors.Is matches
// it correctly through wrapped chains.
type Error string

func (e Error) Error() string {
	return string(e)
}
