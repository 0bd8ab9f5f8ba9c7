package association

import (
	"context"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
)

// WipeOrchestrator re-applies the lifecycle engine across all of a user's
// devices: terminate, re-associate, re-activate, recreate delegations, and
// anonymize the terminal rows. Any failure for any device aborts the whole
// call; there is no per-device continuation and no rollback of devices
// already processed. The call is designed to be re-run from scratch once
// the cause is fixed.
type WipeOrchestrator struct {
	engine  *Engine
	store   *Store
	devices DeviceRegistryAdapter
	logger  *slog.Logger
}

// NewWipeOrchestrator creates a wipe-data orchestrator on top of the engine.
func NewWipeOrchestrator(engine *Engine) *WipeOrchestrator {
	return &WipeOrchestrator{
		engine:  engine,
		store:   engine.store,
		devices: engine.devices,
		logger:  engine.logger,
	}
}

// WipeRequest carries the inputs of a wipe-data call. SerialNumbers, when
// non-empty, must match the user's live associated devices exactly.
type WipeRequest struct {
	UserID        string
	SerialNumbers []string
}

// WipeResult reports the devices processed by a completed wipe.
type WipeResult struct {
	WipedSerials   []string `json:"wipedSerials"`
	AnonymizedRows int      `json:"anonymizedRows"`
}

// priorDelegate captures a delegate row that is recreated against the new
// association after the re-associate step.
type priorDelegate struct {
	userID string
	typ    AssociationType
	window DelegationWindow
}

// Wipe executes the wipe-data flow for a user.
func (o *WipeOrchestrator) Wipe(ctx context.Context, req WipeRequest) (*WipeResult, error) {
	if req.UserID == "" {
		return nil, validationError(CodeMissingIdentifier, "user id is required")
	}

	rows, err := o.store.FindByUserAndStatuses(req.UserID, []AssociationStatus{StatusAssociated})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, preconditionError(CodeNoLiveAssociations,
			"user %s holds no associated devices", req.UserID)
	}

	fetched := mapset.NewSet[string]()
	for i := range rows {
		fetched.Add(rows[i].SerialNumber)
	}

	// A supplied subset is deduplicated and must match the fetched set
	// exactly; any mismatch rejects the whole call before any mutation.
	if len(req.SerialNumbers) > 0 {
		requested := mapset.NewSet[string](req.SerialNumbers...)
		if !requested.Equal(fetched) {
			return nil, preconditionError(CodeWipeSubsetMismatch,
				"requested serial set (%d unique) does not match the user's associated devices (%d)",
				requested.Cardinality(), fetched.Cardinality())
		}
	}

	// Deduplicate by serial, preferring the owner-type row when the user
	// holds both an owner and a delegate row on the same device.
	bySerial := make(map[string]*AssociationRecord)
	for i := range rows {
		row := &rows[i]
		if existing, ok := bySerial[row.SerialNumber]; ok && existing.IsOwner() {
			continue
		}
		bySerial[row.SerialNumber] = row
	}

	result := &WipeResult{}
	for serial, row := range bySerial {
		if err := o.wipeDevice(ctx, req.UserID, serial, row, result); err != nil {
			return nil, err
		}
		result.WipedSerials = append(result.WipedSerials, serial)
	}
	return result, nil
}

// wipeDevice processes one device: terminate the relevant rows, then for
// owner callers re-provision the device for the same user and recreate the
// prior delegate rows, and finally anonymize the terminal rows.
func (o *WipeOrchestrator) wipeDevice(ctx context.Context, userID, serial string, callerRow *AssociationRecord, result *WipeResult) error {
	ownerMode := o.engine.resolver.CascadesToCredentials(callerRow)
	selector := DeviceSelector{SerialNumber: serial}

	deviceRows, err := o.store.FindBySerialAndStatuses(serial, LiveStatuses)
	if err != nil {
		return err
	}

	// Other users' delegate rows go first: terminating the caller's own row
	// would strip the ownership the remaining terminations are authorized by.
	var ownRows, delegateRows []*AssociationRecord
	var delegates []priorDelegate
	for i := range deviceRows {
		row := &deviceRows[i]
		if row.UserID == userID {
			ownRows = append(ownRows, row)
			continue
		}
		if !ownerMode {
			// Delegate callers wipe only their own rows.
			continue
		}
		delegateRows = append(delegateRows, row)
		delegates = append(delegates, priorDelegate{
			userID: row.UserID,
			typ:    row.Type,
			window: DelegationWindow{Start: row.StartsAt, End: row.EndsAt},
		})
	}

	var terminated []string
	for _, row := range append(delegateRows, ownRows...) {
		if _, err := o.engine.Terminate(ctx, TerminateRequest{
			Selector:   selector,
			ActingUser: userID,
			TargetUser: row.UserID,
			Reason:     "wipe-data",
		}); err != nil {
			return err
		}
		terminated = append(terminated, row.ID)
	}

	if ownerMode {
		if err := o.reprovision(ctx, userID, serial, callerRow.DeviceID, delegates); err != nil {
			return err
		}
	}

	// Anonymize the now-terminal rows so historical data cannot be
	// resolved back to the user or the device.
	for _, id := range terminated {
		if err := o.store.Anonymize(id); err != nil {
			return err
		}
		result.AnonymizedRows++
	}
	return nil
}

// reprovision resets the device and walks it through the associate and
// activate operations again for the same user, then recreates the prior
// delegate rows against the new association.
func (o *WipeOrchestrator) reprovision(ctx context.Context, userID, serial, deviceID string, delegates []priorDelegate) error {
	selector := DeviceSelector{SerialNumber: serial}

	if err := o.devices.SetState(ctx, deviceID, DeviceProvisioned, "wipe-data reset"); err != nil {
		return adapterError(CodeAdapterFailure, err, "reset device %s for wipe", serial)
	}
	if _, err := o.engine.Associate(ctx, selector, userID); err != nil {
		return err
	}
	if _, err := o.engine.Activate(ctx, selector, userID); err != nil {
		return err
	}

	for _, d := range delegates {
		if _, err := o.engine.Delegate(ctx, DelegateRequest{
			Selector:   selector,
			ActingUser: userID,
			TargetUser: d.userID,
			Type:       d.typ,
			Window:     d.window,
		}); err != nil {
			return err
		}
	}
	return nil
}
