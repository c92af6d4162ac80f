package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/palss/localsync/internal/models"
)

// ErrorKind classifies a remote backend failure. The adapter assigns the
// kind at the transport boundary so downstream components never inspect
// error text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUnauthorized
	KindPolicyDenied
	KindNetworkUnavailable
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindPolicyDenied:
		return "policy_denied"
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Error is a classified remote backend failure.
type Error struct {
	Kind   ErrorKind
	Op     string
	Entity models.EntityType
	Err    error

	status int // HTTP status, when the failure came from a response
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s %s: %s: %v", e.Op, e.Entity, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// IsPermanent reports whether the failure is an authorization or policy
// rejection that must not be retried automatically and must never be
// masked by a local fallback write.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindUnauthorized, KindPolicyDenied:
		return true
	}
	return false
}

// classifyTransport assigns a kind to an error from the HTTP round trip.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetworkUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetworkUnavailable
	}
	return KindNetworkUnavailable
}
