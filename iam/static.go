package iam

import (
	"context"

	"github.com/flowstate-io/flowstate/core"
)

// StaticClaimChecker grants claims from a fixed user id to claims mapping.
// Intended for tests and single-tenant deployments without an identity
// server.
type StaticClaimChecker struct {
	Claims map[string][]string
}

var _ ClaimChecker = (*StaticClaimChecker)(nil)

func (s *StaticClaimChecker) EnsureHasClaim(ctx context.Context, identity core.Identity, claim string) error {
	for _, c := range s.Claims[identity.UserID] {
		if c == claim {
			return nil
		}
	}

	return ErrForbidden
}

// AllowAll grants every claim to every identity.
type AllowAll struct{}

var _ ClaimChecker = AllowAll{}

func (AllowAll) EnsureHasClaim(ctx context.Context, identity core.Identity, claim string) error {
	return nil
}
