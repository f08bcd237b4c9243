package api

import (
	"errors"
	"fmt"
)

// Domain response codes the sync engine reacts to.
const (
	// CodeHumanVerification is returned when the server demands an
	// out-of-band challenge before accepting further requests.
	CodeHumanVerification = 9001
)

// Error is a non-2xx domain response from the mail API. Transport
// failures (timeouts, DNS, TLS) are returned as the underlying
// net/url errors instead.
type Error struct {
	// Status is the HTTP status code.
	Status int

	// Code is the domain error code from the response body, 0 when
	// the body carried none.
	Code int

	// Message is the human-readable error from the response body.
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error (status %d, code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
