package palpable

import "errors"

var (
	// ErrWirelessUnavailable means the Wi-Fi interface is missing or its
	// driver failed. Wi-Fi is disabled for the session.
	ErrWirelessUnavailable = errors.New("wireless interface unavailable")
	// ErrAssociationTimeout means the client did not associate and obtain an
	// address within the wait window.
	ErrAssociationTimeout = errors.New("wifi association timed out")
	// ErrTransitionBusy means another connectivity transition is in flight.
	ErrTransitionBusy = errors.New("connectivity transition in progress")

	// ErrInvalidClaimCode is returned before any network call when a code is
	// not exactly six digits.
	ErrInvalidClaimCode = errors.New("claim code must be exactly 6 digits")
	// ErrClaimRejected means the registry rejected the code as invalid or expired.
	ErrClaimRejected = errors.New("claim code invalid or expired")
	// ErrRegistryUnreachable means the registry could not be reached.
	ErrRegistryUnreachable = errors.New("registry unreachable")
	// ErrRegistryServer means the registry failed or answered with garbage.
	ErrRegistryServer = errors.New("registry server error")
)

// ValidationError indicates an invalid input to an operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}
