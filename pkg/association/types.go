package association

import (
	"strings"
	"time"
)

// AssociationStatus represents the lifecycle status of an association row.
type AssociationStatus string

const (
	StatusInitiated     AssociationStatus = "INITIATED"
	StatusAssociated    AssociationStatus = "ASSOCIATED"
	StatusSuspended     AssociationStatus = "SUSPENDED"
	StatusDisassociated AssociationStatus = "DISASSOCIATED"
)

// LiveStatuses are the statuses considered live for ownership and duplicate
// checks. DISASSOCIATED rows are historical and never count.
var LiveStatuses = []AssociationStatus{StatusInitiated, StatusAssociated, StatusSuspended}

// AssociationType classifies an association row. TypeOwner is the primary,
// exclusive association; all other types are delegate rows.
type AssociationType string

const (
	TypeOwner    AssociationType = "OWNER"
	TypeDriver   AssociationType = "DRIVER"
	TypeFamily   AssociationType = "FAMILY"
	TypeWorkshop AssociationType = "WORKSHOP"
	TypeFleet    AssociationType = "FLEET"
)

// DelegateTypes is the allow-listed set of non-owner association types.
var DelegateTypes = []AssociationType{TypeDriver, TypeFamily, TypeWorkshop, TypeFleet}

// IsDelegateType reports whether t is in the delegate allow-list.
func IsDelegateType(t AssociationType) bool {
	for _, d := range DelegateTypes {
		if d == t {
			return true
		}
	}
	return false
}

// DeviceState represents the manufacturing lifecycle state of a device
// identity. Owned by the device registry; this package only reads it and
// requests transitions.
type DeviceState string

const (
	DeviceProvisioned      DeviceState = "PROVISIONED"
	DeviceProvisionedAlive DeviceState = "PROVISIONED_ALIVE"
	DeviceReadyToActivate  DeviceState = "READY_TO_ACTIVATE"
	DeviceActive           DeviceState = "ACTIVE"
	DeviceStolen           DeviceState = "STOLEN"
	DeviceFaulty           DeviceState = "FAULTY"
	DeviceDummy            DeviceState = "DUMMY"
)

// DeviceSelector identifies a device by at least one of its hardware
// identifiers. A selector must resolve to exactly one device identity.
type DeviceSelector struct {
	SerialNumber string `json:"serialNumber,omitempty"`
	IMEI         string `json:"imei,omitempty"`
	BSSID        string `json:"bssid,omitempty"`
}

// Empty reports whether no identifying field is set.
func (s DeviceSelector) Empty() bool {
	return s.SerialNumber == "" && s.IMEI == "" && s.BSSID == ""
}

// String returns a compact representation for logs and error messages.
func (s DeviceSelector) String() string {
	var parts []string
	if s.SerialNumber != "" {
		parts = append(parts, "serial="+s.SerialNumber)
	}
	if s.IMEI != "" {
		parts = append(parts, "imei="+s.IMEI)
	}
	if s.BSSID != "" {
		parts = append(parts, "bssid="+s.BSSID)
	}
	if len(parts) == 0 {
		return "<empty>"
	}
	return strings.Join(parts, ",")
}

// DeviceIdentity is the read-mostly manufacturing record of a device,
// sourced from the device registry.
type DeviceIdentity struct {
	ID             string      `json:"id"`
	SerialNumber   string      `json:"serialNumber"`
	IMEI           string      `json:"imei,omitempty"`
	BSSID          string      `json:"bssid,omitempty"`
	ICCID          string      `json:"iccid,omitempty"`
	IMSI           string      `json:"imsi,omitempty"`
	State          DeviceState `json:"state"`
	FactoryDataRef string      `json:"factoryDataRef,omitempty"`
}

// ReplacementOperation pairs the current and replacement device identities
// for a single replace call. It is never persisted.
type ReplacementOperation struct {
	Current     DeviceIdentity
	Replacement DeviceIdentity
	ActingUser  string
}

// OperationResult is the success payload returned by every mutating
// operation: the affected association id and its resulting status.
type OperationResult struct {
	AssociationID string            `json:"associationId"`
	Status        AssociationStatus `json:"status"`
}

// AssociationView is the API-facing representation of an association row,
// optionally enriched with read-only device registry attributes. The
// registry attributes are joined for display and are not authoritative here.
type AssociationView struct {
	ID               string            `json:"id"`
	SerialNumber     string            `json:"serialNumber"`
	DeviceID         string            `json:"deviceId,omitempty"`
	UserID           string            `json:"userId"`
	Type             AssociationType   `json:"type"`
	Status           AssociationStatus `json:"status"`
	StartsAt         *time.Time        `json:"startsAt,omitempty"`
	EndsAt           *time.Time        `json:"endsAt,omitempty"`
	AssociatedBy     string            `json:"associatedBy,omitempty"`
	AssociatedAt     *time.Time        `json:"associatedAt,omitempty"`
	DisassociatedBy  string            `json:"disassociatedBy,omitempty"`
	DisassociatedAt  *time.Time        `json:"disassociatedAt,omitempty"`
	DeviceState      DeviceState       `json:"deviceState,omitempty"`
	DeviceIMEI       string            `json:"deviceImei,omitempty"`
	DeviceICCID      string            `json:"deviceIccid,omitempty"`
}

// DelegationWindow is a validated time window for a delegate association.
// A nil End means open-ended; when both bounds are set, Start < End.
type DelegationWindow struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}
