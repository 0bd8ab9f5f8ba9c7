package association

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVehicleRegistry struct {
	mu           sync.Mutex
	linkageCalls []string
	resetCalls   []string
}

func (f *fakeVehicleRegistry) UpdateDeviceLinkage(ctx context.Context, vinReference, oldDeviceID, newDeviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkageCalls = append(f.linkageCalls, oldDeviceID+"->"+newDeviceID)
	return nil
}

func (f *fakeVehicleRegistry) SendDeviceReset(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls = append(f.resetCalls, deviceID)
	return nil
}

// replacementFixture prepares an active association on SN001 for alice, a
// defective SN001, and a provisioned spare SN002.
func replacementFixture(t *testing.T) (*testFixture, string) {
	t.Helper()
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	f.addProvisionedDevice("SN002")
	id := f.associateActive(t, "SN001", "alice")
	require.NoError(t, f.registry.SetState(context.Background(), "dev-SN001", DeviceFaulty, "test"))
	return f, id
}

func TestEngine_Replace(t *testing.T) {
	f, id := replacementFixture(t)
	vehicles := &fakeVehicleRegistry{}
	f.engine.SetVehicleRegistry(vehicles)

	result, err := f.engine.Replace(context.Background(), ReplaceRequest{
		Current:     DeviceSelector{SerialNumber: "SN001"},
		Replacement: DeviceSelector{SerialNumber: "SN002"},
		ActingUser:  "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, id, result.AssociationID, "the association row survives the swap")

	// The row is re-pointed at the replacement hardware.
	record, err := f.store.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, "SN002", record.SerialNumber)
	assert.Equal(t, "dev-SN002", record.DeviceID)
	assert.Equal(t, "alice", record.UserID)
	assert.Equal(t, StatusAssociated, record.Status)

	// The replacement is live, the defective device is back in the pool.
	assert.Equal(t, DeviceActive, f.registry.stateOf("SN002"))
	assert.Equal(t, DeviceProvisioned, f.registry.stateOf("SN001"))

	// Credentials moved: the logical identity survives, the SIM material is
	// the replacement's.
	assert.False(t, f.identity.registered("dev-SN001"))
	require.True(t, f.identity.registered("dev-SN002"))
	cred := f.identity.registrations["dev-SN002"]
	assert.Equal(t, "SN001", cred.LogicalID)
	assert.Equal(t, "iccid-SN002", cred.ICCID)

	assert.Equal(t, []string{"dev-SN001->dev-SN002"}, vehicles.linkageCalls)
	assert.Equal(t, []string{"dev-SN001"}, vehicles.resetCalls)
}

func TestEngine_Replace_Preconditions(t *testing.T) {
	f, _ := replacementFixture(t)
	f.addProvisionedDevice("SN003")
	require.NoError(t, f.registry.SetState(context.Background(), "dev-SN003", DeviceActive, "test"))

	tests := []struct {
		name     string
		req      ReplaceRequest
		wantCode string
	}{
		{
			name: "missing acting user",
			req: ReplaceRequest{
				Current:     DeviceSelector{SerialNumber: "SN001"},
				Replacement: DeviceSelector{SerialNumber: "SN002"},
			},
			wantCode: CodeMissingIdentifier,
		},
		{
			name: "replacement not provisioned",
			req: ReplaceRequest{
				Current:     DeviceSelector{SerialNumber: "SN001"},
				Replacement: DeviceSelector{SerialNumber: "SN003"},
				ActingUser:  "alice",
			},
			wantCode: CodeInvalidDeviceState,
		},
		{
			name: "acting user is not the owner",
			req: ReplaceRequest{
				Current:     DeviceSelector{SerialNumber: "SN001"},
				Replacement: DeviceSelector{SerialNumber: "SN002"},
				ActingUser:  "mallory",
			},
			wantCode: CodeNotAuthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Replace(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, CodeOf(err))
		})
	}
}

func TestEngine_Replace_RequiresDefect(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	f.addProvisionedDevice("SN002")
	f.associateActive(t, "SN001", "alice")
	// SN001 is ACTIVE, not FAULTY or STOLEN.

	_, err := f.engine.Replace(context.Background(), ReplaceRequest{
		Current:     DeviceSelector{SerialNumber: "SN001"},
		Replacement: DeviceSelector{SerialNumber: "SN002"},
		ActingUser:  "alice",
	})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidDeviceState, CodeOf(err))

	// A policy without the defect requirement accepts an active device.
	policy := DefaultPolicy()
	policy.ReplacementRequiresDefect = false
	f2 := newTestEngine(t, policy)
	f2.addProvisionedDevice("SN001")
	f2.addProvisionedDevice("SN002")
	f2.associateActive(t, "SN001", "alice")

	_, err = f2.engine.Replace(context.Background(), ReplaceRequest{
		Current:     DeviceSelector{SerialNumber: "SN001"},
		Replacement: DeviceSelector{SerialNumber: "SN002"},
		ActingUser:  "alice",
	})
	require.NoError(t, err)
}

func TestEngine_Replace_RetiresPendingActivation(t *testing.T) {
	policy := DefaultPolicy()
	policy.ReplacementRequiresDefect = false
	policy.ResetReplacedDevice = false
	f := newTestEngine(t, policy)
	f.addProvisionedDevice("SN001")
	f.addProvisionedDevice("SN002")

	// Association initiated but never activated: SN001 still holds the
	// activation slot.
	_, err := f.engine.Associate(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice")
	require.NoError(t, err)
	require.Equal(t, DeviceReadyToActivate, f.registry.stateOf("SN001"))
	require.NoError(t, f.identity.Register(context.Background(), "dev-SN001",
		Credential{LogicalID: "SN001", ICCID: "iccid-SN001"}))

	_, err = f.engine.Replace(context.Background(), ReplaceRequest{
		Current:     DeviceSelector{SerialNumber: "SN001"},
		Replacement: DeviceSelector{SerialNumber: "SN002"},
		ActingUser:  "alice",
	})
	require.NoError(t, err)

	// The activation slot moved to the replacement; without the policy
	// reset the old device stays alive in the pool.
	assert.Equal(t, DeviceProvisionedAlive, f.registry.stateOf("SN001"))
	assert.Equal(t, DeviceActive, f.registry.stateOf("SN002"))
}

func TestEngine_Replace_MissingRegistrationIsFatal(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	f.addProvisionedDevice("SN002")
	require.NoError(t, f.registry.SetState(context.Background(), "dev-SN001", DeviceFaulty, "test"))

	// An associated row without an active credential registration is an
	// inconsistency between the association and identity systems.
	require.NoError(t, f.store.Create(ownerRow("assoc-1", "SN001", "alice", StatusAssociated)))

	_, err := f.engine.Replace(context.Background(), ReplaceRequest{
		Current:     DeviceSelector{SerialNumber: "SN001"},
		Replacement: DeviceSelector{SerialNumber: "SN002"},
		ActingUser:  "alice",
	})
	require.Error(t, err)
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.Equal(t, CodeCredentialNotFound, CodeOf(err))
}

func TestEngine_Replace_ReplacementAlreadyAssociated(t *testing.T) {
	f, _ := replacementFixture(t)

	// Someone else holds SN002. Put it back to PROVISIONED afterwards so the
	// state precondition alone does not mask the ownership check.
	f.associateActive(t, "SN002", "bob")
	require.NoError(t, f.registry.SetState(context.Background(), "dev-SN002", DeviceProvisioned, "test"))

	_, err := f.engine.Replace(context.Background(), ReplaceRequest{
		Current:     DeviceSelector{SerialNumber: "SN001"},
		Replacement: DeviceSelector{SerialNumber: "SN002"},
		ActingUser:  "alice",
	})
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyAssociated, CodeOf(err))
}
