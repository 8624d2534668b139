package core

const (
	// AnonymousUserID is the user id attached to records that were created
	// without an authenticated caller. Records owned by this identity are
	// visible to everybody.
	AnonymousUserID = "anonymous"

	// InternalUserID is the user id the engine uses when it acts on its own
	// behalf. Records owned by this identity are visible to everybody.
	InternalUserID = "flowstate_internal"
)

// Identity identifies the caller of an operation. The token is opaque to this
// module, only the user id is interpreted.
type Identity struct {
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// Anonymous reports whether the identity is the anonymous sentinel.
func (i Identity) Anonymous() bool {
	return i.UserID == AnonymousUserID
}

// Internal reports whether the identity is the engine-internal sentinel.
func (i Identity) Internal() bool {
	return i.UserID == InternalUserID
}

// Internal returns the identity the engine uses for operations it triggers
// itself, e.g. timer-started process instances.
func Internal() Identity {
	return Identity{UserID: InternalUserID}
}

// Anonymous returns the identity used for unauthenticated callers.
func Anonymous() Identity {
	return Identity{UserID: AnonymousUserID}
}
