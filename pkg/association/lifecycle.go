package association

import "fmt"

// TransitionRule defines an allowed status transition.
type TransitionRule struct {
	From AssociationStatus
	To   AssociationStatus
	// OwnerOnly restricts the transition to owner-type rows. Suspension
	// always deregisters credentials, so it must never apply to delegate
	// rows which do not own the credentials.
	OwnerOnly bool
}

// DefaultTransitions defines the allowed association status transitions.
var DefaultTransitions = []TransitionRule{
	{From: StatusInitiated, To: StatusAssociated},
	{From: StatusAssociated, To: StatusSuspended, OwnerOnly: true},
	{From: StatusSuspended, To: StatusAssociated, OwnerOnly: true},
	{From: StatusAssociated, To: StatusDisassociated},
	{From: StatusInitiated, To: StatusDisassociated},
}

// DisallowedTransitions are explicitly forbidden and return a specific
// error rather than the generic "no transition defined". DISASSOCIATED is
// terminal: nothing leaves it, including itself. SUSPENDED returns only
// to ASSOCIATED; a suspended row must be restored before it can be
// disassociated.
var DisallowedTransitions = map[AssociationStatus][]AssociationStatus{
	StatusDisassociated: {StatusInitiated, StatusAssociated, StatusSuspended, StatusDisassociated},
	StatusInitiated:     {StatusSuspended},
	StatusSuspended:     {StatusDisassociated},
}

// StatusMachine validates association status transitions.
type StatusMachine struct {
	transitions []TransitionRule
	disallowed  map[AssociationStatus][]AssociationStatus
}

// NewStatusMachine creates a machine with default rules.
func NewStatusMachine() *StatusMachine {
	return &StatusMachine{
		transitions: DefaultTransitions,
		disallowed:  DisallowedTransitions,
	}
}

// ValidateTransition checks if a transition from->to is allowed for a row
// of the given type. Returns nil if allowed, a *TransitionError if not.
func (m *StatusMachine) ValidateTransition(from, to AssociationStatus, rowType AssociationType) error {
	if disallowed, ok := m.disallowed[from]; ok {
		for _, d := range disallowed {
			if d == to {
				return &TransitionError{
					Code:    "ASSOC_TRANSITION_DENIED",
					From:    from,
					To:      to,
					Message: fmt.Sprintf("transition from %s to %s is not allowed", from, to),
				}
			}
		}
	}

	for _, t := range m.transitions {
		if t.From == from && t.To == to {
			if t.OwnerOnly && rowType != TypeOwner {
				return &TransitionError{
					Code:    "ASSOC_TRANSITION_OWNER_ONLY",
					From:    from,
					To:      to,
					Message: fmt.Sprintf("transition from %s to %s applies only to owner rows", from, to),
				}
			}
			return nil
		}
	}

	return &TransitionError{
		Code:    "ASSOC_TRANSITION_UNDEFINED",
		From:    from,
		To:      to,
		Message: fmt.Sprintf("no transition defined from %s to %s", from, to),
	}
}

// AllowedTransitions returns all valid target statuses from the given
// status for a row of the given type.
func (m *StatusMachine) AllowedTransitions(from AssociationStatus, rowType AssociationType) []AssociationStatus {
	var allowed []AssociationStatus
	for _, t := range m.transitions {
		if t.From == from {
			if t.OwnerOnly && rowType != TypeOwner {
				continue
			}
			allowed = append(allowed, t.To)
		}
	}
	return allowed
}

// TransitionError is a structured error for invalid status transitions.
type TransitionError struct {
	Code    string            `json:"code"`
	From    AssociationStatus `json:"from"`
	To      AssociationStatus `json:"to"`
	Message string            `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}
