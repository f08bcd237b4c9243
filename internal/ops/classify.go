package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/marpies/mailcache/internal/api"
)

// Class buckets a failed remote dispatch for the retry policy.
type Class string

const (
	// ClassConnectivity covers timeouts, DNS and TLS failures, and
	// network-level POSIX errors: the request may never have reached
	// the server, so the entry stays queued.
	ClassConnectivity Class = "connectivity"

	// ClassAuth is a 401 or revoked session.
	ClassAuth Class = "auth"

	// ClassHumanVerification is the domain code demanding an
	// out-of-band challenge.
	ClassHumanVerification Class = "human_verification"

	// ClassNotFound means the target is already gone server-side.
	ClassNotFound Class = "not_found"

	// ClassServerInternal is an HTTP 500-range domain response.
	ClassServerInternal Class = "server_internal"

	// ClassDomain is any other non-2xx domain response.
	ClassDomain Class = "domain"

	ClassUnknown Class = "unknown"
)

// Classify buckets the error from a dispatched mutation.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	if apiErr, ok := api.AsError(err); ok {
		switch {
		case apiErr.Code == api.CodeHumanVerification:
			return ClassHumanVerification
		case apiErr.Status == http.StatusUnauthorized:
			return ClassAuth
		case apiErr.Status == http.StatusNotFound:
			return ClassNotFound
		case apiErr.Status >= http.StatusInternalServerError:
			return ClassServerInternal
		default:
			return ClassDomain
		}
	}

	if isConnectivity(err) {
		return ClassConnectivity
	}

	return ClassUnknown
}

// IsTimeout reports whether a connectivity failure was a timeout
// rather than an outright unreachable server.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectivity(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.ENETDOWN,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
		syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	return false
}
