package association

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Engine is the association lifecycle engine. It exposes the mutating
// operations over association rows and enforces the state machine, the
// per-device serialization contract, and the fan-out semantics towards the
// device registry, the identity system, and the notification channel.
//
// One engine serves both sole-owner and many-to-many installations; the
// differences are carried by Policy, not by separate implementations.
type Engine struct {
	store    *Store
	audit    *AuditStore
	devices  DeviceRegistryAdapter
	identity IdentityRegistrationAdapter
	notifier NotificationAdapter
	policy   *Policy
	resolver *Resolver
	machine  *StatusMachine
	logger   *slog.Logger

	subscriptions  SubscriptionChecker
	vehicles       VehicleRegistryAdapter
	identityReader DeviceIdentityReader
}

// NewEngine creates a lifecycle engine.
func NewEngine(store *Store, audit *AuditStore, devices DeviceRegistryAdapter, identity IdentityRegistrationAdapter, notifier NotificationAdapter, policy *Policy) *Engine {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Engine{
		store:    store,
		audit:    audit,
		devices:  devices,
		identity: identity,
		notifier: notifier,
		policy:   policy,
		resolver: NewResolver(policy),
		machine:  NewStatusMachine(),
		logger:   slog.Default(),
	}
}

// SetSubscriptionChecker wires the optional subscription workflow gate.
func (e *Engine) SetSubscriptionChecker(c SubscriptionChecker) { e.subscriptions = c }

// SetVehicleRegistry wires the optional vehicle registry adapter used by
// the replacement saga.
func (e *Engine) SetVehicleRegistry(v VehicleRegistryAdapter) { e.vehicles = v }

// SetIdentityReader wires the read-side device lookup used to enrich
// association views with registry metadata.
func (e *Engine) SetIdentityReader(r DeviceIdentityReader) { e.identityReader = r }

// SetLogger replaces the default logger.
func (e *Engine) SetLogger(l *slog.Logger) {
	if l != nil {
		e.logger = l
	}
}

// Resolver exposes the ownership resolver for read-side callers.
func (e *Engine) Resolver() *Resolver { return e.resolver }

// resolveDevice resolves a selector to exactly one device identity.
func (e *Engine) resolveDevice(ctx context.Context, selector DeviceSelector) (*DeviceIdentity, error) {
	if selector.Empty() {
		return nil, validationError(CodeMissingIdentifier,
			"at least one of serial number, IMEI or BSSID is required")
	}
	device, err := e.devices.Lookup(ctx, selector)
	if err != nil {
		if KindOf(err) == KindIntegrity {
			return nil, err
		}
		return nil, adapterError(CodeAdapterFailure, err, "device registry lookup for %s failed", selector)
	}
	if device == nil {
		return nil, preconditionError(CodeDeviceNotFound, "no device matches %s", selector)
	}
	return device, nil
}

// Associate creates a new owner association for the device resolved by the
// selector. The device must be in a provisionable state; on success the
// row is INITIATED and the device is moved to READY_TO_ACTIVATE.
func (e *Engine) Associate(ctx context.Context, selector DeviceSelector, userID string) (*OperationResult, error) {
	if userID == "" {
		return nil, validationError(CodeMissingIdentifier, "user id is required")
	}
	device, err := e.resolveDevice(ctx, selector)
	if err != nil {
		return nil, err
	}

	record := &AssociationRecord{
		ID:             uuid.New().String(),
		SerialNumber:   device.SerialNumber,
		DeviceID:       device.ID,
		FactoryDataRef: device.FactoryDataRef,
		UserID:         userID,
		Type:           TypeOwner,
		Status:         StatusInitiated,
	}

	err = e.store.WithDeviceLock(device.SerialNumber, func(tx *Store) error {
		// Duplicate guard: the same user must not hold a second live row
		// for this device. Distinct from the owned-by-someone-else gate.
		existing, err := tx.FindByUserSerialAndStatuses(userID, device.SerialNumber, LiveStatuses)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return preconditionError(CodeAlreadyAssociated,
				"user %s already holds a live association for serial %s", userID, device.SerialNumber)
		}

		// The registry snapshot may be stale under concurrency; the live
		// owner row inside the locked transaction is authoritative.
		owner, err := tx.FindLiveOwnerRow(device.SerialNumber)
		if err != nil {
			return err
		}
		if owner != nil {
			return preconditionError(CodeAlreadyAssociated,
				"serial %s is already associated", device.SerialNumber)
		}

		switch device.State {
		case DeviceStolen, DeviceFaulty:
			return preconditionError(CodeDeviceBlocked,
				"device %s is %s and cannot be associated", device.SerialNumber, device.State)
		case DeviceProvisioned, DeviceProvisionedAlive:
			// provisionable
		default:
			return preconditionError(CodeInvalidDeviceState,
				"device %s is %s: invalid state or already assigned", device.SerialNumber, device.State)
		}

		if e.policy.ForbidReassociation {
			terminated, err := tx.HasDisassociatedHistory(device.SerialNumber)
			if err != nil {
				return err
			}
			if terminated {
				return preconditionError(CodeReassociationDenied,
					"serial %s was previously disassociated and re-association is forbidden", device.SerialNumber)
			}
		}

		now := time.Now()
		record.AssociatedBy = userID
		record.AssociatedAt = &now
		record.StartsAt = &now
		if err := tx.Create(record); err != nil {
			return err
		}

		if err := e.devices.SetState(ctx, device.ID, DeviceReadyToActivate, "association initiated"); err != nil {
			return adapterError(CodeAdapterFailure, err,
				"move device %s to READY_TO_ACTIVATE", device.SerialNumber)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent("association.initiated", userID, record, "success", "", nil, JSONAny{"status": string(StatusInitiated)})
	return &OperationResult{AssociationID: record.ID, Status: StatusInitiated}, nil
}

// Activate completes an initiated owner association: the row moves to
// ASSOCIATED, the device's credentials are registered, and the device is
// set ACTIVE. Called when the device first comes alive on the network.
func (e *Engine) Activate(ctx context.Context, selector DeviceSelector, actingUser string) (*OperationResult, error) {
	device, err := e.resolveDevice(ctx, selector)
	if err != nil {
		return nil, err
	}

	var record *AssociationRecord
	err = e.store.WithDeviceLock(device.SerialNumber, func(tx *Store) error {
		rows, err := tx.FindBySerialAndStatuses(device.SerialNumber, []AssociationStatus{StatusInitiated})
		if err != nil {
			return err
		}
		switch len(rows) {
		case 0:
			return preconditionError(CodeNotAssociated,
				"no initiated association exists for serial %s", device.SerialNumber)
		case 1:
			record = &rows[0]
		default:
			return integrityError(CodeDuplicateRows,
				"%d initiated rows exist for serial %s, expected one", len(rows), device.SerialNumber)
		}

		if err := e.machine.ValidateTransition(record.Status, StatusAssociated, record.Type); err != nil {
			return &OperationError{Kind: KindPrecondition, Code: CodeInvalidTransition, Message: err.Error()}
		}

		if err := e.identity.Register(ctx, device.ID, credentialFor(device)); err != nil {
			return adapterError(CodeAdapterFailure, err, "register credentials for device %s", device.ID)
		}

		now := time.Now()
		record.Status = StatusAssociated
		record.ModifiedBy = actingUser
		record.ModifiedAt = &now
		if err := tx.Save(record); err != nil {
			return err
		}
		if err := e.devices.SetState(ctx, device.ID, DeviceActive, "association activated"); err != nil {
			return adapterError(CodeAdapterFailure, err, "move device %s to ACTIVE", device.SerialNumber)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent("association.activated", actingUser, record, "success", "",
		JSONAny{"status": string(StatusInitiated)}, JSONAny{"status": string(StatusAssociated)})
	return &OperationResult{AssociationID: record.ID, Status: StatusAssociated}, nil
}

// TerminateRequest carries the inputs of a terminate operation. TargetUser
// defaults to the acting user; naming another user requires admin rights
// or device ownership.
type TerminateRequest struct {
	Selector   DeviceSelector
	ActingUser string
	TargetUser string
	IsAdmin    bool
	Reason     string
}

// Terminate disassociates the target user's row for the resolved device.
// Owner-type rows get the full terminate: credential deregistration, the
// terminal status, and a lifecycle notification. Delegate rows are only
// disassociated. Credential deregistration and notification happen after
// the local row commits; a notification failure triggers a one-shot
// compensation that re-registers the credentials, and the row stays
// DISASSOCIATED either way.
func (e *Engine) Terminate(ctx context.Context, req TerminateRequest) (*OperationResult, error) {
	if req.ActingUser == "" {
		return nil, validationError(CodeMissingIdentifier, "acting user is required")
	}
	target := req.TargetUser
	if target == "" {
		target = req.ActingUser
	}
	device, err := e.resolveDevice(ctx, req.Selector)
	if err != nil {
		return nil, err
	}

	if e.policy.RequireSubscriptionComplete && e.subscriptions != nil {
		done, err := e.subscriptions.SubscriptionCompleted(ctx, device.SerialNumber)
		if err != nil {
			return nil, adapterError(CodeAdapterFailure, err,
				"subscription workflow check for serial %s", device.SerialNumber)
		}
		if !done {
			return nil, preconditionError(CodeSubscriptionPending,
				"subscription workflow for serial %s has not completed", device.SerialNumber)
		}
	}

	var record *AssociationRecord
	var cascade bool
	err = e.store.WithDeviceLock(device.SerialNumber, func(tx *Store) error {
		deviceRows, err := tx.FindBySerialAndStatuses(device.SerialNumber, LiveStatuses)
		if err != nil {
			return err
		}
		rows := rowsForUser(deviceRows, target)
		switch len(rows) {
		case 0:
			return preconditionError(CodeNotAssociated,
				"user %s holds no live association for serial %s", target, device.SerialNumber)
		case 1:
			record = rows[0]
		default:
			return integrityError(CodeDuplicateRows,
				"%d live rows exist for user %s on serial %s, expected one", len(rows), target, device.SerialNumber)
		}

		if target != req.ActingUser && !e.resolver.CanDisassociate(req.ActingUser, req.IsAdmin, record, deviceRows) {
			return preconditionError(CodeNotAuthorized,
				"user %s may not disassociate the row of user %s", req.ActingUser, target)
		}

		if err := e.machine.ValidateTransition(record.Status, StatusDisassociated, record.Type); err != nil {
			return &OperationError{Kind: KindPrecondition, Code: CodeInvalidTransition, Message: err.Error()}
		}

		cascade = e.resolver.CascadesToCredentials(record)

		now := time.Now()
		record.Status = StatusDisassociated
		record.DisassociatedBy = req.ActingUser
		record.DisassociatedAt = &now
		record.ModifiedBy = req.ActingUser
		record.ModifiedAt = &now
		return tx.Save(record)
	})
	if err != nil {
		return nil, err
	}

	// Fan-out after the local commit. The row is terminal from here on and
	// is never rolled back, even when a downstream call fails.
	if err := e.terminateFanOut(ctx, device, record, cascade); err != nil {
		return nil, err
	}

	e.appendEvent("association.terminated", req.ActingUser, record, "success", req.Reason,
		nil, JSONAny{"status": string(StatusDisassociated), "cascade": cascade})
	return &OperationResult{AssociationID: record.ID, Status: StatusDisassociated}, nil
}

// terminateFanOut runs the post-commit side of terminate: credential
// deregistration for cascading rows and the lifecycle notification. When
// notification fails after a successful deregistration, the engine
// re-registers the credentials once and surfaces the original failure.
func (e *Engine) terminateFanOut(ctx context.Context, device *DeviceIdentity, record *AssociationRecord, cascade bool) error {
	var deregistered *CredentialRegistration
	if cascade {
		reg, err := e.identity.ActiveRegistration(ctx, device.ID)
		if err != nil {
			e.logger.Warn("active registration lookup failed before deregistration",
				"deviceId", device.ID, "error", err)
		}
		if err := e.identity.Deregister(ctx, device.ID); err != nil {
			e.appendEvent("association.terminated", record.DisassociatedBy, record, "failure",
				"credential deregistration failed", nil, nil)
			return fanOutError(CodeAdapterFailure, err,
				"deregister credentials for device %s after terminate; association %s stays DISASSOCIATED",
				device.ID, record.ID)
		}
		deregistered = reg
	}

	if err := e.notifier.NotifyLifecycleChange(ctx, record.View()); err != nil {
		outcome := "failure"
		if deregistered != nil {
			// Single compensating action: put the credentials back. The
			// row itself stays DISASSOCIATED, a known inconsistency.
			if regErr := e.identity.Register(ctx, device.ID, deregistered.Credential); regErr != nil {
				e.logger.Error("compensation failed: credentials not re-registered",
					"deviceId", device.ID, "association", record.ID, "error", regErr)
			} else {
				outcome = "compensated"
				e.logger.Warn("terminate notification failed; credentials re-registered, row stays DISASSOCIATED",
					"deviceId", device.ID, "association", record.ID)
			}
		}
		e.appendEvent("association.terminated", record.DisassociatedBy, record, outcome,
			"lifecycle notification failed", nil, nil)
		return fanOutError(CodeNotificationFailure, err,
			"lifecycle notification for association %s failed", record.ID)
	}
	return nil
}

// Suspend moves the device's owner row from ASSOCIATED to SUSPENDED,
// deregistering its credentials. Only the owner row can be suspended.
func (e *Engine) Suspend(ctx context.Context, selector DeviceSelector, actingUser string, isAdmin bool) (*OperationResult, error) {
	device, err := e.resolveDevice(ctx, selector)
	if err != nil {
		return nil, err
	}

	var record *AssociationRecord
	err = e.store.WithDeviceLock(device.SerialNumber, func(tx *Store) error {
		record, err = e.singleOwnerRow(tx, device.SerialNumber, StatusAssociated)
		if err != nil {
			return err
		}
		if record.UserID != actingUser && !isAdmin {
			return preconditionError(CodeNotAuthorized,
				"user %s may not suspend the association of user %s", actingUser, record.UserID)
		}
		if err := e.machine.ValidateTransition(record.Status, StatusSuspended, record.Type); err != nil {
			return &OperationError{Kind: KindPrecondition, Code: CodeInvalidTransition, Message: err.Error()}
		}
		if err := e.identity.Deregister(ctx, device.ID); err != nil {
			return adapterError(CodeAdapterFailure, err, "deregister credentials for device %s", device.ID)
		}
		now := time.Now()
		record.Status = StatusSuspended
		record.ModifiedBy = actingUser
		record.ModifiedAt = &now
		return tx.Save(record)
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent("association.suspended", actingUser, record, "success", "",
		JSONAny{"status": string(StatusAssociated)}, JSONAny{"status": string(StatusSuspended)})
	return &OperationResult{AssociationID: record.ID, Status: StatusSuspended}, nil
}

// Restore moves the device's owner row from SUSPENDED back to ASSOCIATED,
// re-registering its credentials.
func (e *Engine) Restore(ctx context.Context, selector DeviceSelector, actingUser string, isAdmin bool) (*OperationResult, error) {
	device, err := e.resolveDevice(ctx, selector)
	if err != nil {
		return nil, err
	}

	var record *AssociationRecord
	err = e.store.WithDeviceLock(device.SerialNumber, func(tx *Store) error {
		record, err = e.singleOwnerRow(tx, device.SerialNumber, StatusSuspended)
		if err != nil {
			return err
		}
		if record.UserID != actingUser && !isAdmin {
			return preconditionError(CodeNotAuthorized,
				"user %s may not restore the association of user %s", actingUser, record.UserID)
		}
		if err := e.machine.ValidateTransition(record.Status, StatusAssociated, record.Type); err != nil {
			return &OperationError{Kind: KindPrecondition, Code: CodeInvalidTransition, Message: err.Error()}
		}
		if err := e.identity.Register(ctx, device.ID, credentialFor(device)); err != nil {
			return adapterError(CodeAdapterFailure, err, "re-register credentials for device %s", device.ID)
		}
		now := time.Now()
		record.Status = StatusAssociated
		record.ModifiedBy = actingUser
		record.ModifiedAt = &now
		return tx.Save(record)
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent("association.restored", actingUser, record, "success", "",
		JSONAny{"status": string(StatusSuspended)}, JSONAny{"status": string(StatusAssociated)})
	return &OperationResult{AssociationID: record.ID, Status: StatusAssociated}, nil
}

// singleOwnerRow returns the single owner row for the serial in the given
// status. Zero rows is a precondition failure; more than one is a fatal
// data-integrity fault, never resolved by picking a row.
func (e *Engine) singleOwnerRow(tx *Store, serialNumber string, status AssociationStatus) (*AssociationRecord, error) {
	rows, err := tx.FindBySerialAndStatuses(serialNumber, []AssociationStatus{status})
	if err != nil {
		return nil, err
	}
	var owners []*AssociationRecord
	for i := range rows {
		if rows[i].IsOwner() || !e.policy.ManyToMany {
			owners = append(owners, &rows[i])
		}
	}
	switch len(owners) {
	case 0:
		return nil, preconditionError(CodeNotAssociated,
			"no %s owner association exists for serial %s", status, serialNumber)
	case 1:
		return owners[0], nil
	default:
		return nil, integrityError(CodeDuplicateRows,
			"%d %s owner rows exist for serial %s, expected one", len(owners), status, serialNumber)
	}
}

// DelegateRequest carries the inputs of a delegate operation. OwnerUser
// names the device owner on whose behalf an admin delegates; non-admin
// callers must themselves be the owner.
type DelegateRequest struct {
	Selector   DeviceSelector
	ActingUser string
	OwnerUser  string
	TargetUser string
	Type       AssociationType
	Window     DelegationWindow
	IsAdmin    bool
}

// Delegate creates a delegate-type association for the target user against
// a device whose owner association is live.
func (e *Engine) Delegate(ctx context.Context, req DelegateRequest) (*OperationResult, error) {
	if req.ActingUser == "" || req.TargetUser == "" {
		return nil, validationError(CodeMissingIdentifier, "acting user and target user are required")
	}
	if err := e.resolver.ValidateDelegationType(req.Type); err != nil {
		return nil, err
	}
	if err := ValidateWindow(req.Window); err != nil {
		return nil, err
	}
	owner := req.ActingUser
	if req.IsAdmin && req.OwnerUser != "" {
		owner = req.OwnerUser
	}

	device, err := e.resolveDevice(ctx, req.Selector)
	if err != nil {
		return nil, err
	}

	record := &AssociationRecord{
		ID:             uuid.New().String(),
		SerialNumber:   device.SerialNumber,
		DeviceID:       device.ID,
		FactoryDataRef: device.FactoryDataRef,
		UserID:         req.TargetUser,
		Type:           req.Type,
		Status:         StatusAssociated,
	}

	err = e.store.WithDeviceLock(device.SerialNumber, func(tx *Store) error {
		ownerRow, err := tx.FindLiveOwnerRow(device.SerialNumber)
		if err != nil {
			return err
		}
		if ownerRow == nil || ownerRow.UserID != owner {
			return preconditionError(CodeNotAuthorized,
				"user %s holds no live owner association for serial %s", owner, device.SerialNumber)
		}

		existing, err := tx.FindByUserSerialAndStatuses(req.TargetUser, device.SerialNumber, LiveStatuses)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return preconditionError(CodeAlreadyAssociated,
				"user %s already holds a live association for serial %s", req.TargetUser, device.SerialNumber)
		}

		now := time.Now()
		start := req.Window.Start
		if start == nil {
			start = &now
		}
		record.StartsAt = start
		record.EndsAt = req.Window.End
		record.AssociatedBy = req.ActingUser
		record.AssociatedAt = &now
		return tx.Create(record)
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent("association.delegated", req.ActingUser, record, "success", "",
		nil, JSONAny{"type": string(req.Type), "targetUser": req.TargetUser})
	return &OperationResult{AssociationID: record.ID, Status: StatusAssociated}, nil
}

// UpdateRequest carries a partial update of a delegate row. Nil fields are
// left unchanged; partial window updates are validated against the
// existing opposite bound.
type UpdateRequest struct {
	AssociationID string
	ActingUser    string
	NewType       *AssociationType
	NewStart      *time.Time
	NewEnd        *time.Time
}

// UpdateAssociation updates the type or window of a delegate row. Only the
// device owner may update it; the new type must not be the owner type.
func (e *Engine) UpdateAssociation(ctx context.Context, req UpdateRequest) (*OperationResult, error) {
	if req.AssociationID == "" || req.ActingUser == "" {
		return nil, validationError(CodeMissingIdentifier, "association id and acting user are required")
	}
	if req.NewType != nil {
		if err := e.resolver.ValidateDelegationType(*req.NewType); err != nil {
			return nil, err
		}
	}

	record, err := e.store.GetByID(req.AssociationID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, preconditionError(CodeNotAssociated, "association %s does not exist", req.AssociationID)
	}

	err = e.store.WithDeviceLock(record.SerialNumber, func(tx *Store) error {
		record, err = tx.GetByID(req.AssociationID)
		if err != nil {
			return err
		}
		if record == nil || !record.IsLive() {
			return preconditionError(CodeNotAssociated, "association %s is not live", req.AssociationID)
		}
		if record.IsOwner() {
			return preconditionError(CodeDisallowedType, "owner associations cannot be updated")
		}

		deviceRows, err := tx.FindBySerialAndStatuses(record.SerialNumber, LiveStatuses)
		if err != nil {
			return err
		}
		if !e.resolver.CanEditDelegation(req.ActingUser, deviceRows) {
			return preconditionError(CodeNotAuthorized,
				"user %s is not the owner of serial %s", req.ActingUser, record.SerialNumber)
		}

		window := DelegationWindow{Start: record.StartsAt, End: record.EndsAt}
		if req.NewStart != nil {
			window.Start = req.NewStart
		}
		if req.NewEnd != nil {
			window.End = req.NewEnd
		}
		if err := ValidateWindow(window); err != nil {
			return err
		}

		now := time.Now()
		if req.NewType != nil {
			record.Type = *req.NewType
		}
		record.StartsAt = window.Start
		record.EndsAt = window.End
		record.ModifiedBy = req.ActingUser
		record.ModifiedAt = &now
		return tx.Save(record)
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent("association.updated", req.ActingUser, record, "success", "", nil, nil)
	return &OperationResult{AssociationID: record.ID, Status: record.Status}, nil
}

// ListForUser returns the user's association rows in the given status set.
// Read-only: no device lock is taken.
func (e *Engine) ListForUser(ctx context.Context, userID string, statuses []AssociationStatus) ([]AssociationView, error) {
	if len(statuses) == 0 {
		statuses = LiveStatuses
	}
	rows, err := e.store.FindByUserAndStatuses(userID, statuses)
	if err != nil {
		return nil, err
	}
	views := make([]AssociationView, 0, len(rows))
	for i := range rows {
		views = append(views, e.enrichView(ctx, rows[i].View()))
	}
	return views, nil
}

// DeviceHistory returns every association row ever created for a device,
// newest first. Read-only: no device lock is taken.
func (e *Engine) DeviceHistory(ctx context.Context, serialNumber string) ([]AssociationView, error) {
	rows, err := e.store.ListHistoryBySerial(serialNumber)
	if err != nil {
		return nil, err
	}
	views := make([]AssociationView, 0, len(rows))
	for i := range rows {
		views = append(views, e.enrichView(ctx, rows[i].View()))
	}
	return views, nil
}

// enrichView fills the read-only device fields from the registry read
// side. The registry is not authoritative here: a lookup failure or a
// missing device leaves the fields empty rather than failing the read.
func (e *Engine) enrichView(ctx context.Context, view AssociationView) AssociationView {
	if e.identityReader == nil {
		return view
	}
	identity, err := e.identityReader.GetBySerial(ctx, view.SerialNumber)
	if err != nil {
		e.logger.Warn("device enrichment lookup failed",
			"serialNumber", view.SerialNumber, "error", err)
		return view
	}
	if identity == nil {
		return view
	}
	view.DeviceState = identity.State
	view.DeviceIMEI = identity.IMEI
	view.DeviceICCID = identity.ICCID
	return view
}

// appendEvent records a lifecycle event. Audit append is best-effort and
// never fails the operation.
func (e *Engine) appendEvent(eventType, actor string, record *AssociationRecord, outcome, reason string, oldValue, newValue JSONAny) {
	if e.audit == nil || record == nil {
		return
	}
	err := e.audit.Append(&LifecycleEventRecord{
		ID:            uuid.New().String(),
		CorrelationID: uuid.New().String(),
		EventType:     eventType,
		Actor:         actor,
		AssociationID: record.ID,
		SerialNumber:  record.SerialNumber,
		UserID:        record.UserID,
		Outcome:       outcome,
		Reason:        reason,
		OldValue:      oldValue,
		NewValue:      newValue,
	})
	if err != nil {
		e.logger.Warn("lifecycle event append failed", "eventType", eventType, "error", err)
	}
}

// credentialFor derives the registerable credential from a device identity.
func credentialFor(device *DeviceIdentity) Credential {
	return Credential{
		LogicalID: device.SerialNumber,
		ICCID:     device.ICCID,
		IMSI:      device.IMSI,
		Type:      CredentialSIM,
	}
}

func rowsForUser(rows []AssociationRecord, userID string) []*AssociationRecord {
	var out []*AssociationRecord
	for i := range rows {
		if rows[i].UserID == userID {
			out = append(out, &rows[i])
		}
	}
	return out
}
