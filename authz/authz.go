// Package authz checks principal authorization before any gate runs.
//
// Authorization is a precondition of every control-plane operation: an
// unauthorized call is rejected outright, before validation, before any
// ledger write, before any filesystem access.
package authz

import (
	"errors"
	"fmt"

	"github.com/warden-foundation/warden/policy"
)

// Roles granted by the trust policy's ROLES section.
const (
	RoleOperator = "operator"
	RoleSteward  = "steward"
	RoleAuditor  = "auditor"
)

// Operations guarded by authorization.
type Operation string

const (
	OpInstall    Operation = "install"
	OpVerify     Operation = "verify"
	OpCheckpoint Operation = "checkpoint"
	OpRollback   Operation = "rollback"
	OpWaiver     Operation = "waiver"
	OpRepair     Operation = "repair"
)

// allowedRoles maps each operation to the roles permitted to invoke it.
var allowedRoles = map[Operation][]string{
	OpInstall:    {RoleOperator, RoleSteward},
	OpVerify:     {RoleAuditor, RoleOperator, RoleSteward},
	OpCheckpoint: {RoleSteward},
	OpRollback:   {RoleSteward},
	OpWaiver:     {RoleSteward},
	OpRepair:     {RoleSteward},
}

// Principal identifies an authenticated caller.
type Principal struct {
	Name      string
	SessionID string
}

// Error is returned for every authorization failure.
type Error struct {
	Principal string
	Op        Operation
	Message   string
}

func (e *Error) Error() string { return e.Message }

// IsAuthzError reports whether err is an authorization failure.
func IsAuthzError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// Authorizer evaluates principals against the trust policy's role grants.
type Authorizer struct {
	Policy *policy.Policy
}

// Authorize returns nil when the principal holds a role permitted for the
// operation.
func (a *Authorizer) Authorize(p Principal, op Operation) error {
	if p.Name == "" {
		return &Error{Principal: p.Name, Op: op, Message: "unauthenticated caller"}
	}
	roles, ok := allowedRoles[op]
	if !ok {
		return &Error{Principal: p.Name, Op: op, Message: fmt.Sprintf("unknown operation %q", op)}
	}
	if a.Policy == nil {
		return &Error{Principal: p.Name, Op: op, Message: "no trust policy loaded; all operations denied"}
	}
	for _, role := range roles {
		if a.Policy.HasRole(p.Name, role) {
			return nil
		}
	}
	return &Error{
		Principal: p.Name,
		Op:        op,
		Message:   fmt.Sprintf("principal %q holds no role permitted for %s", p.Name, op),
	}
}
