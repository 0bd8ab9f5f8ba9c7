package association

import "context"

// CredentialType classifies a device's network credential.
type CredentialType string

const (
	CredentialSIM  CredentialType = "SIM"
	CredentialCert CredentialType = "CERTIFICATE"
)

// Credential is the network credential material registered for a device.
type Credential struct {
	LogicalID string         `json:"logicalId"`
	ICCID     string         `json:"iccid,omitempty"`
	IMSI      string         `json:"imsi,omitempty"`
	Type      CredentialType `json:"type"`
}

// CredentialRegistration is the identity system's record of a registered
// credential for a device.
type CredentialRegistration struct {
	DeviceID   string         `json:"deviceId"`
	Credential Credential     `json:"credential"`
	Active     bool           `json:"active"`
}

// DeviceRegistryAdapter reads device identities and requests manufacturing
// lifecycle transitions. The registry owns device state; this package only
// reads it and asks for transitions.
type DeviceRegistryAdapter interface {
	// Lookup resolves a selector to exactly one device identity.
	// Returns nil, nil when no device matches. More than one match is an
	// error; the caller treats it as a data-integrity fault.
	Lookup(ctx context.Context, selector DeviceSelector) (*DeviceIdentity, error)
	// SetState requests a lifecycle transition for a device.
	SetState(ctx context.Context, deviceID string, newState DeviceState, reason string) error
}

// DeviceIdentityReader serves read-only identity lookups for view
// enrichment. Implementations may cache; mutating operations never read
// through this interface.
type DeviceIdentityReader interface {
	// GetBySerial returns the device identity for a serial number, or
	// nil, nil when none exists.
	GetBySerial(ctx context.Context, serialNumber string) (*DeviceIdentity, error)
}

// IdentityRegistrationAdapter registers and deregisters a device's network
// credentials in the external identity system. Credentials are exclusively
// owned there; this package never assumes local knowledge of their state.
type IdentityRegistrationAdapter interface {
	Register(ctx context.Context, deviceID string, credential Credential) error
	Deregister(ctx context.Context, deviceID string) error
	// ActiveRegistration returns the active credential registration for a
	// device, or nil, nil when none exists.
	ActiveRegistration(ctx context.Context, deviceID string) (*CredentialRegistration, error)
}

// NotificationAdapter delivers association lifecycle events to downstream
// consumers. A delivery failure during terminate triggers the credential
// compensation path.
type NotificationAdapter interface {
	NotifyLifecycleChange(ctx context.Context, view AssociationView) error
}

// VehicleRegistryAdapter propagates device replacements to the vehicle
// registry and sends reset commands to retired devices. Both calls are
// best-effort tail steps of the replacement saga.
type VehicleRegistryAdapter interface {
	UpdateDeviceLinkage(ctx context.Context, vinReference, oldDeviceID, newDeviceID string) error
	SendDeviceReset(ctx context.Context, deviceID string) error
}

// SubscriptionChecker reports whether the external subscription workflow
// for a device has completed. Consulted only when the
// RequireSubscriptionComplete policy is active.
type SubscriptionChecker interface {
	SubscriptionCompleted(ctx context.Context, serialNumber string) (bool, error)
}
