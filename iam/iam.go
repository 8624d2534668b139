// Package iam defines the claim check contract the persistence services use
// to authorize callers. The check itself is an external collaborator, this
// package only models the boundary.
package iam

import (
	"context"
	"errors"

	"github.com/flowstate-io/flowstate/core"
)

// ErrForbidden is returned by a ClaimChecker when the identity does not hold
// the requested claim.
var ErrForbidden = errors.New("identity does not have the requested claim")

const (
	// SuperAdminClaim bypasses all other claim checks.
	SuperAdminClaim = "can_manage_process_instances"

	ReadProcessModelClaim    = "can_read_process_model"
	DeleteProcessModelClaim  = "can_delete_process_model"
	AccessExternalTasksClaim = "can_access_external_tasks"
	ReadCronjobHistoryClaim  = "can_read_cronjob_history"
)

// ClaimChecker decides whether an identity holds a claim.
type ClaimChecker interface {
	// EnsureHasClaim returns nil if the identity holds the claim and
	// ErrForbidden otherwise.
	EnsureHasClaim(ctx context.Context, identity core.Identity, claim string) error
}

// EnsureHasClaim checks the given claim, letting super admins pass
// unconditionally.
func EnsureHasClaim(ctx context.Context, cc ClaimChecker, identity core.Identity, claim string) error {
	if IsSuperAdmin(ctx, cc, identity) {
		return nil
	}

	return cc.EnsureHasClaim(ctx, identity, claim)
}

// IsSuperAdmin reports whether the identity holds the super admin claim.
func IsSuperAdmin(ctx context.Context, cc ClaimChecker, identity core.Identity) bool {
	return cc.EnsureHasClaim(ctx, identity, SuperAdminClaim) == nil
}
