// Package session supplies the caller identity used to stamp records.
// Resolving credentials (login flows, token refresh) happens outside the
// sync engine; this package only exposes what the engine needs.
package session

// Identity is the org/user scope stamped onto new records.
type Identity struct {
	UserID string
	OrgID  string
	Email  string
}

// Provider yields the current identity. Implementations may read cached
// credentials or return a zero identity when nobody is signed in.
type Provider interface {
	Current() Identity
}

// Static is a fixed-identity provider, used for wiring and tests.
type Static struct {
	Identity Identity
}

func (s Static) Current() Identity { return s.Identity }
