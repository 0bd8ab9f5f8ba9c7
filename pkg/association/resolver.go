package association

// Role is the resolved role of a user towards a device.
type Role string

const (
	RoleOwner    Role = "OWNER"
	RoleDelegate Role = "DELEGATE"
	RoleNone     Role = "NONE"
)

// Resolver determines owner vs. delegate roles for a device/user pair and
// gates the operations that depend on them. With many-to-many disabled,
// every live row behaves as an owner row.
type Resolver struct {
	policy *Policy
}

// NewResolver creates a resolver bound to the engine policy.
func NewResolver(policy *Policy) *Resolver {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Resolver{policy: policy}
}

// ResolveRole determines the user's role from the device's live rows.
func (r *Resolver) ResolveRole(userID string, rows []AssociationRecord) Role {
	role := RoleNone
	for i := range rows {
		row := &rows[i]
		if row.UserID != userID || !row.IsLive() {
			continue
		}
		if row.IsOwner() || !r.policy.ManyToMany {
			return RoleOwner
		}
		role = RoleDelegate
	}
	return role
}

// CascadesToCredentials reports whether terminating the given row must
// deregister the device's credentials. Owner rows always cascade; with
// many-to-many disabled every row does.
func (r *Resolver) CascadesToCredentials(row *AssociationRecord) bool {
	return row.IsOwner() || !r.policy.ManyToMany
}

// CanDisassociate reports whether actingUser may terminate the given row.
// Users terminate their own rows; the device owner and admins may
// terminate any row on the device.
func (r *Resolver) CanDisassociate(actingUser string, isAdmin bool, row *AssociationRecord, deviceRows []AssociationRecord) bool {
	if isAdmin || row.UserID == actingUser {
		return true
	}
	return r.ResolveRole(actingUser, deviceRows) == RoleOwner
}

// CanEditDelegation reports whether actingUser may edit a delegate row's
// window or type. Only the device owner may.
func (r *Resolver) CanEditDelegation(actingUser string, deviceRows []AssociationRecord) bool {
	return r.ResolveRole(actingUser, deviceRows) == RoleOwner
}

// ValidateDelegationType checks that the requested type is eligible for a
// delegate row: never the owner type, always from the allow-listed set,
// and only when many-to-many mode is enabled.
func (r *Resolver) ValidateDelegationType(requested AssociationType) error {
	if !r.policy.ManyToMany {
		return preconditionError(CodeDisallowedType, "delegate associations are disabled")
	}
	if requested == TypeOwner {
		return validationError(CodeDisallowedType, "requested type must not be the owner type")
	}
	if !IsDelegateType(requested) {
		return validationError(CodeDisallowedType, "type %s is not an allowed delegate type", requested)
	}
	return nil
}

// ValidateWindow checks a delegation window: when both bounds are set,
// start must precede end.
func ValidateWindow(w DelegationWindow) error {
	if w.Start != nil && w.End != nil && !w.Start.Before(*w.End) {
		return validationError(CodeInvalidWindow, "window start must precede end")
	}
	return nil
}
