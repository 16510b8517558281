package throttle

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/telemark/dvpool/internal/dataverse"
)

// Dataverse permission error codes that indicate a privilege problem rather
// than a broken token. A handle hitting one of these is healthy; the caller
// simply lacks rights, so no seed invalidation is warranted.
const (
	codePrivilegeDenied int32 = -2147220960 // SecLib::AccessCheckEx failed
	codeAccessDenied    int32 = -2147187962 // caller cannot access the record
)

// AuthError is the typed authentication failure surfaced by the pool.
//
// RequiresReauth distinguishes the two flavors: true means the token behind
// the source's seed is dead and the pool has invalidated the seed and drained
// its clones; false means the caller lacks privileges and reconnecting would
// change nothing.
type AuthError struct {
	// Source is the source whose dispatch produced the failure.
	Source string
	// RequiresReauth reports whether the seed must re-authenticate.
	RequiresReauth bool
	// Err is the underlying fault.
	Err error
}

// Error returns a user-safe message. The underlying fault text is included,
// never raw credentials; clients must not embed secrets in fault messages.
func (e *AuthError) Error() string {
	if e.RequiresReauth {
		return fmt.Sprintf("authentication failed for source %q (re-authentication required): %v", e.Source, e.Err)
	}
	return fmt.Sprintf("permission denied for source %q: %v", e.Source, e.Err)
}

// Unwrap exposes the underlying fault to errors.Is/As.
func (e *AuthError) Unwrap() error { return e.Err }

// Detector inspects faults coming off a dispatch and maps them onto the
// pool's events. Classification is synchronous and the detector never
// retries; retry policy lives in the pool.
type Detector struct {
	// onThrottle is invoked for every protection-limit fault before the
	// fault propagates, establishing the happens-before edge between
	// throttle recording and the next checkout that consults the tracker.
	onThrottle func(source string, retryAfter time.Duration)

	// onTokenFailure is invoked for token failures before the typed error
	// propagates, letting the pool invalidate the seed and drain clones.
	onTokenFailure func(source string)
}

// NewDetector builds a detector with the given callbacks. Either callback may
// be nil, in which case the corresponding event is classified but unreported.
func NewDetector(onThrottle func(source string, retryAfter time.Duration), onTokenFailure func(source string)) *Detector {
	return &Detector{onThrottle: onThrottle, onTokenFailure: onTokenFailure}
}

// Observe classifies the fault from a dispatch against the named source and
// returns the error the dispatch should propagate:
//
//   - protection-limit fault: throttle callback fires with the extracted
//     retry-after, then the original fault is returned unchanged (the pool's
//     execute loop recognizes and swallows it);
//   - token failure: the token callback fires, and the fault is wrapped in
//     *AuthError with RequiresReauth=true;
//   - permission failure: wrapped in *AuthError with RequiresReauth=false;
//   - anything else (including nil): returned untouched.
func (d *Detector) Observe(source string, err error) error {
	if err == nil {
		return nil
	}

	var fault *dataverse.Fault
	if !errors.As(err, &fault) {
		// Non-fault transport errors can still carry a dead token
		// signature in their text (e.g. wrapped AADSTS responses).
		if isTokenFailureMessage(err.Error()) {
			d.reportTokenFailure(source)
			return &AuthError{Source: source, RequiresReauth: true, Err: err}
		}
		return err
	}

	switch {
	case fault.IsProtectionLimit():
		retryAfter, _ := fault.RetryAfter()
		if d.onThrottle != nil {
			d.onThrottle(source, retryAfter)
		}
		return err

	case isTokenFailure(fault):
		d.reportTokenFailure(source)
		return &AuthError{Source: source, RequiresReauth: true, Err: err}

	case isPermissionFailure(fault):
		return &AuthError{Source: source, RequiresReauth: false, Err: err}

	default:
		return err
	}
}

func (d *Detector) reportTokenFailure(source string) {
	if d.onTokenFailure != nil {
		d.onTokenFailure(source)
	}
}

// isTokenFailure reports whether the fault means the security token behind
// the connection is absent, rejected, or expired.
func isTokenFailure(f *dataverse.Fault) bool {
	if f.HTTPStatus == http.StatusUnauthorized {
		return true
	}
	return isTokenFailureMessage(f.Message)
}

// isTokenFailureMessage matches the message signatures Dataverse and AAD use
// for dead tokens: AADSTS error identifiers, expired-token phrasing, invalid
// or expired credentials, and security-context establishment failures.
func isTokenFailureMessage(msg string) bool {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "aadsts"):
		return true
	case strings.Contains(m, "token") && strings.Contains(m, "expired"):
		return true
	case strings.Contains(m, "credential") && (strings.Contains(m, "invalid") || strings.Contains(m, "expired")):
		return true
	case strings.Contains(m, "security context"):
		return true
	default:
		return false
	}
}

// isPermissionFailure reports whether the fault is a privilege problem.
func isPermissionFailure(f *dataverse.Fault) bool {
	if f.HTTPStatus == http.StatusForbidden {
		return true
	}
	switch f.Code {
	case codePrivilegeDenied, codeAccessDenied:
		return true
	default:
		return false
	}
}
