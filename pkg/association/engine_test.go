package association

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDeviceRegistry is an in-memory device registry keyed by serial number.
type fakeDeviceRegistry struct {
	mu          sync.Mutex
	devices     map[string]*DeviceIdentity
	setStateErr error
}

func newFakeDeviceRegistry() *fakeDeviceRegistry {
	return &fakeDeviceRegistry{devices: make(map[string]*DeviceIdentity)}
}

func (f *fakeDeviceRegistry) add(device DeviceIdentity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[device.SerialNumber] = &device
}

func (f *fakeDeviceRegistry) stateOf(serial string) DeviceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[serial]; ok {
		return d.State
	}
	return ""
}

func (f *fakeDeviceRegistry) Lookup(ctx context.Context, selector DeviceSelector) (*DeviceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if (selector.SerialNumber != "" && d.SerialNumber == selector.SerialNumber) ||
			(selector.IMEI != "" && d.IMEI == selector.IMEI) ||
			(selector.BSSID != "" && d.BSSID == selector.BSSID) {
			copied := *d
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeDeviceRegistry) GetBySerial(ctx context.Context, serialNumber string) (*DeviceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[serialNumber]; ok {
		copied := *d
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeDeviceRegistry) SetState(ctx context.Context, deviceID string, newState DeviceState, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setStateErr != nil {
		return f.setStateErr
	}
	for _, d := range f.devices {
		if d.ID == deviceID {
			d.State = newState
			return nil
		}
	}
	return errors.New("device not found: " + deviceID)
}

// fakeIdentity is an in-memory credential registry with call counters and
// failure injection.
type fakeIdentity struct {
	mu              sync.Mutex
	registrations   map[string]Credential
	registerCalls   int
	deregisterCalls int
	registerErr     error
	deregisterErr   error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{registrations: make(map[string]Credential)}
}

func (f *fakeIdentity) Register(ctx context.Context, deviceID string, credential Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registerCalls++
	f.registrations[deviceID] = credential
	return nil
}

func (f *fakeIdentity) Deregister(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deregisterErr != nil {
		return f.deregisterErr
	}
	f.deregisterCalls++
	delete(f.registrations, deviceID)
	return nil
}

func (f *fakeIdentity) ActiveRegistration(ctx context.Context, deviceID string) (*CredentialRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.registrations[deviceID]
	if !ok {
		return nil, nil
	}
	return &CredentialRegistration{DeviceID: deviceID, Credential: cred, Active: true}, nil
}

func (f *fakeIdentity) registered(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registrations[deviceID]
	return ok
}

// fakeNotifier records lifecycle notifications and can fail on demand.
type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeNotifier) NotifyLifecycleChange(ctx context.Context, view AssociationView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeNotifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSubscriptions struct {
	completed bool
	err       error
}

func (f *fakeSubscriptions) SubscriptionCompleted(ctx context.Context, serialNumber string) (bool, error) {
	return f.completed, f.err
}

type testFixture struct {
	engine   *Engine
	store    *Store
	audit    *AuditStore
	registry *fakeDeviceRegistry
	identity *fakeIdentity
	notifier *fakeNotifier
}

func newTestEngine(t *testing.T, policy *Policy) *testFixture {
	t.Helper()
	db := newTestDB(t)
	store := NewStore(db)
	audit := NewAuditStore(db)
	registry := newFakeDeviceRegistry()
	identity := newFakeIdentity()
	notifier := &fakeNotifier{}
	return &testFixture{
		engine:   NewEngine(store, audit, registry, identity, notifier, policy),
		store:    store,
		audit:    audit,
		registry: registry,
		identity: identity,
		notifier: notifier,
	}
}

func (f *testFixture) addProvisionedDevice(serial string) DeviceIdentity {
	device := DeviceIdentity{
		ID:           "dev-" + serial,
		SerialNumber: serial,
		IMEI:         "imei-" + serial,
		ICCID:        "iccid-" + serial,
		IMSI:         "imsi-" + serial,
		State:        DeviceProvisioned,
	}
	f.registry.add(device)
	return device
}

// associateActive walks a fresh device through associate and activate.
func (f *testFixture) associateActive(t *testing.T, serial, user string) string {
	t.Helper()
	ctx := context.Background()
	selector := DeviceSelector{SerialNumber: serial}
	result, err := f.engine.Associate(ctx, selector, user)
	require.NoError(t, err)
	activated, err := f.engine.Activate(ctx, selector, user)
	require.NoError(t, err)
	require.Equal(t, result.AssociationID, activated.AssociationID)
	return result.AssociationID
}

func TestEngine_Associate(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")

	result, err := f.engine.Associate(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, result.Status)

	record, err := f.store.GetByID(result.AssociationID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, TypeOwner, record.Type)
	assert.Equal(t, "alice", record.UserID)
	assert.Equal(t, "alice", record.AssociatedBy)
	assert.Equal(t, DeviceReadyToActivate, f.registry.stateOf("SN001"))
}

func TestEngine_Associate_ByIMEI(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")

	result, err := f.engine.Associate(context.Background(), DeviceSelector{IMEI: "imei-SN001"}, "alice")
	require.NoError(t, err)

	record, err := f.store.GetByID(result.AssociationID)
	require.NoError(t, err)
	assert.Equal(t, "SN001", record.SerialNumber)
}

func TestEngine_Associate_ValidationAndPreconditions(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")

	tests := []struct {
		name     string
		setup    func()
		selector DeviceSelector
		user     string
		wantKind ErrorKind
		wantCode string
	}{
		{
			name:     "empty selector",
			selector: DeviceSelector{},
			user:     "alice",
			wantKind: KindValidation,
			wantCode: CodeMissingIdentifier,
		},
		{
			name:     "missing user",
			selector: DeviceSelector{SerialNumber: "SN001"},
			wantKind: KindValidation,
			wantCode: CodeMissingIdentifier,
		},
		{
			name:     "unknown device",
			selector: DeviceSelector{SerialNumber: "SN404"},
			user:     "alice",
			wantKind: KindPrecondition,
			wantCode: CodeDeviceNotFound,
		},
		{
			name: "stolen device",
			setup: func() {
				f.registry.add(DeviceIdentity{ID: "dev-SN002", SerialNumber: "SN002", State: DeviceStolen})
			},
			selector: DeviceSelector{SerialNumber: "SN002"},
			user:     "alice",
			wantKind: KindPrecondition,
			wantCode: CodeDeviceBlocked,
		},
		{
			name: "faulty device",
			setup: func() {
				f.registry.add(DeviceIdentity{ID: "dev-SN003", SerialNumber: "SN003", State: DeviceFaulty})
			},
			selector: DeviceSelector{SerialNumber: "SN003"},
			user:     "alice",
			wantKind: KindPrecondition,
			wantCode: CodeDeviceBlocked,
		},
		{
			name: "already active device",
			setup: func() {
				f.registry.add(DeviceIdentity{ID: "dev-SN004", SerialNumber: "SN004", State: DeviceActive})
			},
			selector: DeviceSelector{SerialNumber: "SN004"},
			user:     "alice",
			wantKind: KindPrecondition,
			wantCode: CodeInvalidDeviceState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			_, err := f.engine.Associate(context.Background(), tt.selector, tt.user)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
			assert.Equal(t, tt.wantCode, CodeOf(err))
		})
	}
}

func TestEngine_Associate_AlreadyAssociated(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")

	_, err := f.engine.Associate(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice")
	require.NoError(t, err)

	// Same user, second live row.
	_, err = f.engine.Associate(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice")
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyAssociated, CodeOf(err))

	// Different user against a device whose owner row is live.
	_, err = f.engine.Associate(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "bob")
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyAssociated, CodeOf(err))
}

func TestEngine_Associate_ConcurrentSingleWinner(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = f.engine.Associate(context.Background(), DeviceSelector{SerialNumber: "SN001"}, user)
		}(i, user)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			failures++
			assert.Equal(t, CodeAlreadyAssociated, CodeOf(err))
		}
	}
	assert.Equal(t, 1, failures, "exactly one of two concurrent associates must fail")

	owner, err := f.store.FindLiveOwnerRow("SN001")
	require.NoError(t, err)
	require.NotNil(t, owner)
}

func TestEngine_Associate_ForbidReassociation(t *testing.T) {
	policy := DefaultPolicy()
	policy.ForbidReassociation = true
	f := newTestEngine(t, policy)
	f.addProvisionedDevice("SN001")

	f.associateActive(t, "SN001", "alice")
	_, err := f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
	})
	require.NoError(t, err)

	// The device is back in a provisionable state, but its history blocks it.
	require.NoError(t, f.registry.SetState(context.Background(), "dev-SN001", DeviceProvisioned, "test"))
	_, err = f.engine.Associate(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "bob")
	require.Error(t, err)
	assert.Equal(t, CodeReassociationDenied, CodeOf(err))
}

func TestEngine_Activate(t *testing.T) {
	f := newTestEngine(t, nil)
	device := f.addProvisionedDevice("SN001")

	result, err := f.engine.Associate(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice")
	require.NoError(t, err)

	activated, err := f.engine.Activate(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, result.AssociationID, activated.AssociationID)
	assert.Equal(t, StatusAssociated, activated.Status)
	assert.Equal(t, DeviceActive, f.registry.stateOf("SN001"))
	assert.True(t, f.identity.registered(device.ID))
}

func TestEngine_Activate_NoInitiatedRow(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")

	_, err := f.engine.Activate(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice")
	require.Error(t, err)
	assert.Equal(t, CodeNotAssociated, CodeOf(err))
}

func TestEngine_Terminate_Owner(t *testing.T) {
	f := newTestEngine(t, nil)
	device := f.addProvisionedDevice("SN001")
	id := f.associateActive(t, "SN001", "alice")

	result, err := f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
		Reason:     "sold the car",
	})
	require.NoError(t, err)
	assert.Equal(t, id, result.AssociationID)
	assert.Equal(t, StatusDisassociated, result.Status)

	record, err := f.store.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDisassociated, record.Status)
	assert.Equal(t, "alice", record.DisassociatedBy)
	assert.NotNil(t, record.DisassociatedAt)

	// Owner terminate cascades to the credentials and notifies downstream.
	assert.False(t, f.identity.registered(device.ID))
	assert.Equal(t, 1, f.notifier.callCount())

	// The device is free for a new association once re-provisioned.
	require.NoError(t, f.registry.SetState(context.Background(), device.ID, DeviceProvisioned, "test"))
	fresh, err := f.engine.Associate(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh.AssociationID, "terminate-then-associate must create a new row")
}

func TestEngine_Terminate_NotAssociated(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")

	_, err := f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
	})
	require.Error(t, err)
	assert.Equal(t, CodeNotAssociated, CodeOf(err))
}

func TestEngine_Terminate_DuplicateRowsIsFatal(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")

	// Two live rows for the same user violate the storage invariant; the
	// engine must refuse to pick one.
	require.NoError(t, f.store.Create(ownerRow("assoc-1", "SN001", "alice", StatusAssociated)))
	require.NoError(t, f.store.Create(ownerRow("assoc-2", "SN001", "alice", StatusAssociated)))

	_, err := f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
	})
	require.Error(t, err)
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.Equal(t, CodeDuplicateRows, CodeOf(err))

	// Both rows are untouched.
	for _, id := range []string{"assoc-1", "assoc-2"} {
		record, err := f.store.GetByID(id)
		require.NoError(t, err)
		assert.Equal(t, StatusAssociated, record.Status)
	}
}

func TestEngine_Terminate_NotificationFailureCompensates(t *testing.T) {
	f := newTestEngine(t, nil)
	device := f.addProvisionedDevice("SN001")
	id := f.associateActive(t, "SN001", "alice")

	f.notifier.err = errors.New("broker unavailable")

	_, err := f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
	})
	require.Error(t, err)
	assert.Equal(t, KindFanOut, KindOf(err))
	assert.Equal(t, CodeNotificationFailure, CodeOf(err))

	// The row stays terminal; the credentials were put back once.
	record, err := f.store.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDisassociated, record.Status)
	assert.True(t, f.identity.registered(device.ID))
}

func TestEngine_Terminate_DelegateDoesNotCascade(t *testing.T) {
	f := newTestEngine(t, nil)
	device := f.addProvisionedDevice("SN001")
	f.associateActive(t, "SN001", "alice")

	_, err := f.engine.Delegate(context.Background(), DelegateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
		TargetUser: "bob",
		Type:       TypeDriver,
	})
	require.NoError(t, err)

	deregBefore := f.identity.deregisterCalls
	_, err = f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "bob",
	})
	require.NoError(t, err)

	// Delegate termination leaves the owner's credentials registered.
	assert.Equal(t, deregBefore, f.identity.deregisterCalls)
	assert.True(t, f.identity.registered(device.ID))
}

func TestEngine_Terminate_Authorization(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	f.associateActive(t, "SN001", "alice")

	_, err := f.engine.Delegate(context.Background(), DelegateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
		TargetUser: "bob",
		Type:       TypeDriver,
	})
	require.NoError(t, err)

	// A delegate may not terminate the owner's row.
	_, err = f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "bob",
		TargetUser: "alice",
	})
	require.Error(t, err)
	assert.Equal(t, CodeNotAuthorized, CodeOf(err))

	// The owner terminates any row on the device.
	_, err = f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
		TargetUser: "bob",
	})
	require.NoError(t, err)
}

func TestEngine_Terminate_SubscriptionGate(t *testing.T) {
	policy := DefaultPolicy()
	policy.RequireSubscriptionComplete = true
	f := newTestEngine(t, policy)
	f.addProvisionedDevice("SN001")
	f.associateActive(t, "SN001", "alice")

	checker := &fakeSubscriptions{completed: false}
	f.engine.SetSubscriptionChecker(checker)

	_, err := f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
	})
	require.Error(t, err)
	assert.Equal(t, CodeSubscriptionPending, CodeOf(err))

	checker.completed = true
	_, err = f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
	})
	require.NoError(t, err)
}

func TestEngine_SuspendRestoreRoundTrip(t *testing.T) {
	f := newTestEngine(t, nil)
	device := f.addProvisionedDevice("SN001")
	id := f.associateActive(t, "SN001", "alice")

	registersBefore := f.identity.registerCalls
	deregistersBefore := f.identity.deregisterCalls

	suspended, err := f.engine.Suspend(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, id, suspended.AssociationID)
	assert.Equal(t, StatusSuspended, suspended.Status)
	assert.False(t, f.identity.registered(device.ID))

	restored, err := f.engine.Restore(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, StatusAssociated, restored.Status)
	assert.True(t, f.identity.registered(device.ID))

	// Exactly one deregister and one re-register across the round trip.
	assert.Equal(t, deregistersBefore+1, f.identity.deregisterCalls)
	assert.Equal(t, registersBefore+1, f.identity.registerCalls)
}

func TestEngine_Terminate_SuspendedRowRejected(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	id := f.associateActive(t, "SN001", "alice")

	_, err := f.engine.Suspend(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice", false)
	require.NoError(t, err)

	// A suspended row must be restored before it can be terminated.
	_, err = f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
	})
	require.Error(t, err)
	assert.Equal(t, KindPrecondition, KindOf(err))
	assert.Equal(t, CodeInvalidTransition, CodeOf(err))

	record, err := f.store.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, record.Status)
	assert.Equal(t, 0, f.notifier.callCount())

	_, err = f.engine.Restore(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice", false)
	require.NoError(t, err)
	result, err := f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDisassociated, result.Status)
}

func TestEngine_Suspend_Preconditions(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")

	// No associated owner row yet.
	_, err := f.engine.Suspend(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice", false)
	require.Error(t, err)
	assert.Equal(t, CodeNotAssociated, CodeOf(err))

	f.associateActive(t, "SN001", "alice")

	// Only the owner or an admin may suspend.
	_, err = f.engine.Suspend(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "mallory", false)
	require.Error(t, err)
	assert.Equal(t, CodeNotAuthorized, CodeOf(err))

	_, err = f.engine.Suspend(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "support", true)
	require.NoError(t, err)

	// A suspended row cannot be suspended again.
	_, err = f.engine.Suspend(context.Background(), DeviceSelector{SerialNumber: "SN001"}, "alice", false)
	require.Error(t, err)
	assert.Equal(t, CodeNotAssociated, CodeOf(err))
}

func TestEngine_Delegate(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	f.associateActive(t, "SN001", "alice")

	end := time.Now().Add(24 * time.Hour)
	result, err := f.engine.Delegate(context.Background(), DelegateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
		TargetUser: "bob",
		Type:       TypeFamily,
		Window:     DelegationWindow{End: &end},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAssociated, result.Status)

	record, err := f.store.GetByID(result.AssociationID)
	require.NoError(t, err)
	assert.Equal(t, TypeFamily, record.Type)
	assert.Equal(t, "bob", record.UserID)
	require.NotNil(t, record.StartsAt, "window start defaults to now")
	require.NotNil(t, record.EndsAt)
}

func TestEngine_Delegate_Preconditions(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	f.associateActive(t, "SN001", "alice")

	now := time.Now()
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name     string
		req      DelegateRequest
		wantCode string
	}{
		{
			name: "owner type rejected",
			req: DelegateRequest{
				Selector: DeviceSelector{SerialNumber: "SN001"}, ActingUser: "alice",
				TargetUser: "bob", Type: TypeOwner,
			},
			wantCode: CodeDisallowedType,
		},
		{
			name: "unknown type rejected",
			req: DelegateRequest{
				Selector: DeviceSelector{SerialNumber: "SN001"}, ActingUser: "alice",
				TargetUser: "bob", Type: AssociationType("VALET"),
			},
			wantCode: CodeDisallowedType,
		},
		{
			name: "inverted window rejected",
			req: DelegateRequest{
				Selector: DeviceSelector{SerialNumber: "SN001"}, ActingUser: "alice",
				TargetUser: "bob", Type: TypeDriver,
				Window: DelegationWindow{Start: &now, End: &earlier},
			},
			wantCode: CodeInvalidWindow,
		},
		{
			name: "non-owner cannot delegate",
			req: DelegateRequest{
				Selector: DeviceSelector{SerialNumber: "SN001"}, ActingUser: "mallory",
				TargetUser: "bob", Type: TypeDriver,
			},
			wantCode: CodeNotAuthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Delegate(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, CodeOf(err))
		})
	}
}

func TestEngine_Delegate_DisabledWithoutManyToMany(t *testing.T) {
	policy := DefaultPolicy()
	policy.ManyToMany = false
	f := newTestEngine(t, policy)
	f.addProvisionedDevice("SN001")
	f.associateActive(t, "SN001", "alice")

	_, err := f.engine.Delegate(context.Background(), DelegateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
		TargetUser: "bob",
		Type:       TypeDriver,
	})
	require.Error(t, err)
	assert.Equal(t, CodeDisallowedType, CodeOf(err))
	assert.Equal(t, KindPrecondition, KindOf(err))
}

func TestEngine_UpdateAssociation(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	ownerID := f.associateActive(t, "SN001", "alice")

	delegated, err := f.engine.Delegate(context.Background(), DelegateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
		TargetUser: "bob",
		Type:       TypeDriver,
	})
	require.NoError(t, err)

	newType := TypeFamily
	end := time.Now().Add(48 * time.Hour)
	_, err = f.engine.UpdateAssociation(context.Background(), UpdateRequest{
		AssociationID: delegated.AssociationID,
		ActingUser:    "alice",
		NewType:       &newType,
		NewEnd:        &end,
	})
	require.NoError(t, err)

	record, err := f.store.GetByID(delegated.AssociationID)
	require.NoError(t, err)
	assert.Equal(t, TypeFamily, record.Type)
	require.NotNil(t, record.EndsAt)

	// Only the device owner may edit a delegation.
	_, err = f.engine.UpdateAssociation(context.Background(), UpdateRequest{
		AssociationID: delegated.AssociationID,
		ActingUser:    "bob",
		NewType:       &newType,
	})
	require.Error(t, err)
	assert.Equal(t, CodeNotAuthorized, CodeOf(err))

	// Owner rows cannot be updated at all.
	_, err = f.engine.UpdateAssociation(context.Background(), UpdateRequest{
		AssociationID: ownerID,
		ActingUser:    "alice",
		NewEnd:        &end,
	})
	require.Error(t, err)
	assert.Equal(t, CodeDisallowedType, CodeOf(err))
}

func TestEngine_UpdateAssociation_PartialWindowValidated(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	f.associateActive(t, "SN001", "alice")

	start := time.Now().Add(time.Hour)
	end := start.Add(24 * time.Hour)
	delegated, err := f.engine.Delegate(context.Background(), DelegateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
		TargetUser: "bob",
		Type:       TypeDriver,
		Window:     DelegationWindow{Start: &start, End: &end},
	})
	require.NoError(t, err)

	// A new end before the existing start must be rejected.
	badEnd := start.Add(-time.Minute)
	_, err = f.engine.UpdateAssociation(context.Background(), UpdateRequest{
		AssociationID: delegated.AssociationID,
		ActingUser:    "alice",
		NewEnd:        &badEnd,
	})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidWindow, CodeOf(err))
}

func TestEngine_ListForUserAndDeviceHistory(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	f.addProvisionedDevice("SN002")
	f.associateActive(t, "SN001", "alice")
	f.associateActive(t, "SN002", "alice")

	views, err := f.engine.ListForUser(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Len(t, views, 2)

	_, err = f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
	})
	require.NoError(t, err)

	views, err = f.engine.ListForUser(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Len(t, views, 1)

	history, err := f.engine.DeviceHistory(context.Background(), "SN001")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusDisassociated, history[0].Status)
}

func TestEngine_ReadEnrichment(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	f.associateActive(t, "SN001", "alice")

	// Without a wired reader the device fields stay empty.
	views, err := f.engine.ListForUser(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Empty(t, views[0].DeviceState)

	f.engine.SetIdentityReader(f.registry)

	views, err = f.engine.ListForUser(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, DeviceActive, views[0].DeviceState)
	assert.Equal(t, "imei-SN001", views[0].DeviceIMEI)
	assert.Equal(t, "iccid-SN001", views[0].DeviceICCID)

	history, err := f.engine.DeviceHistory(context.Background(), "SN001")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, DeviceActive, history[0].DeviceState)

	// A device missing from the registry leaves the fields empty rather
	// than failing the read.
	require.NoError(t, f.store.Create(ownerRow("assoc-x", "SN404", "alice", StatusAssociated)))
	views, err = f.engine.ListForUser(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.Len(t, views, 2)
	for _, v := range views {
		if v.SerialNumber == "SN404" {
			assert.Empty(t, v.DeviceState)
		}
	}
}

func TestEngine_AuditTrail(t *testing.T) {
	f := newTestEngine(t, nil)
	f.addProvisionedDevice("SN001")
	f.associateActive(t, "SN001", "alice")

	_, err := f.engine.Terminate(context.Background(), TerminateRequest{
		Selector:   DeviceSelector{SerialNumber: "SN001"},
		ActingUser: "alice",
		Reason:     "sold",
	})
	require.NoError(t, err)

	events, _, err := f.audit.ListBySerial("SN001", 10, "")
	require.NoError(t, err)
	require.Len(t, events, 3)

	types := make(map[string]bool)
	for _, e := range events {
		types[e.EventType] = true
	}
	assert.True(t, types["association.initiated"])
	assert.True(t, types["association.activated"])
	assert.True(t, types["association.terminated"])
}
