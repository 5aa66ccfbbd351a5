package aranet

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrTooShort               = errors.New("payload too short")
	ErrServiceNotFound        = errors.New("did not find expected sensor service")
	ErrCharacteristicNotFound = errors.New("did not find expected characteristic")
	ErrEmptyPayload           = errors.New("characteristic read returned no data")
	ErrPairingRequired        = errors.New("device requires pairing")
	ErrAdapterBusy            = errors.New("adapter still held by a previous attempt")
	ErrAttemptPanicked        = errors.New("reading attempt panicked")
)

// DecodeError reports a malformed sensor payload.
type DecodeError struct {
	Err error
	Len int
}

func (e *DecodeError) Error() string {
	if errors.Is(e.Err, ErrTooShort) {
		return fmt.Sprintf("decode: %s: got %d bytes, need %d", e.Err, e.Len, MinPayloadLen)
	}
	return "decode: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Format(s fmt.State, verb rune) { format(s, verb, e, e.Err) }

// DiscoveryError reports an adapter or scan failure.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string { return "discovery: " + e.Err.Error() }

func (e *DiscoveryError) Unwrap() error { return e.Err }

func (e *DiscoveryError) Format(s fmt.State, verb rune) { format(s, verb, e, e.Err) }

// SessionError reports a failure in one step of a connected session.
type SessionError struct {
	Op      string
	Address string
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s (%s): %s", e.Op, e.Address, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func (e *SessionError) Format(s fmt.State, verb rune) { format(s, verb, e, e.Err) }

// TimeoutError is returned when a bounded reading attempt exceeds its deadline.
type TimeoutError struct {
	After time.Duration
	// Cause is set when the deadline hit while waiting on something specific,
	// e.g. ErrAdapterBusy.
	Cause error
}

func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("reading timed out after %s: %s", e.After, e.Cause)
	}
	return fmt.Sprintf("reading timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

func (e *TimeoutError) Format(s fmt.State, verb rune) { format(s, verb, e, e.Cause) }

// format prints the message for %s, %v and %q. %+v also prints the wrapped
// error with its own %+v, so stack traces recorded by pkg/errors survive.
func format(s fmt.State, verb rune, err error, wrapped error) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			io.WriteString(s, err.Error())
			if wrapped != nil {
				fmt.Fprintf(s, "\ncaused by: %+v", wrapped)
			}
			return
		}
		fallthrough
	case 's':
		io.WriteString(s, err.Error())
	case 'q':
		fmt.Fprintf(s, "%q", err.Error())
	}
}
