// internal/lti/errors.go
package lti

import "fmt"

// Error taxonomy for the launch pipeline and the outbound Advantage calls.
//
//   - ConnectionError: an HTTP call to the platform failed or returned non-2xx
//     (token broker, AGS/NRPS, JWKS fetch, registration).
//   - ValidationError: signature/nonce/claims/deployment problems. Always
//     fail-closed; callers must not downgrade these to warnings.
//   - PersistenceError: reconciliation could not proceed.

type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func connErr(op string, err error) error       { return &ConnectionError{Op: op, Err: err} }
func validationErr(reason string) error        { return &ValidationError{Reason: reason} }
func validationWrap(r string, err error) error { return &ValidationError{Reason: r, Err: err} }
func persistErr(op string, err error) error    { return &PersistenceError{Op: op, Err: err} }
