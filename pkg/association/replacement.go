package association

import (
	"context"
	"time"
)

// ReplaceRequest carries the inputs of a device replacement.
type ReplaceRequest struct {
	Current     DeviceSelector
	Replacement DeviceSelector
	ActingUser  string
}

// Replace swaps a defective device for a provisioned replacement while
// keeping the association intact. Steps 1-2 are pure validation; from the
// activation step onward state has already mutated and there is no
// automatic rollback if the credential swap at the tail fails. The step
// order is fixed so that a partial failure always leaves the replacement
// activation-ready rather than the association dangling.
func (e *Engine) Replace(ctx context.Context, req ReplaceRequest) (*OperationResult, error) {
	if req.ActingUser == "" {
		return nil, validationError(CodeMissingIdentifier, "acting user is required")
	}

	// Step 1: the current device must exist, belong to the acting user,
	// and (unless relaxed by policy) be FAULTY or STOLEN.
	current, err := e.resolveDevice(ctx, req.Current)
	if err != nil {
		return nil, err
	}
	if e.policy.ReplacementRequiresDefect && current.State != DeviceFaulty && current.State != DeviceStolen {
		return nil, preconditionError(CodeInvalidDeviceState,
			"device %s is %s, replacement requires FAULTY or STOLEN", current.SerialNumber, current.State)
	}

	// Step 2: the replacement must resolve to exactly one provisioned
	// device. A multi-match surfaces from the registry as a fatal fault.
	replacement, err := e.resolveDevice(ctx, req.Replacement)
	if err != nil {
		return nil, err
	}
	if replacement.State != DeviceProvisioned {
		return nil, preconditionError(CodeInvalidDeviceState,
			"replacement device %s is %s, expected PROVISIONED", replacement.SerialNumber, replacement.State)
	}

	// Step 3: the active credential registration of the current device
	// carries the logical identity that survives the swap. Its absence is
	// a fatal inconsistency between the association and identity systems.
	registration, err := e.identity.ActiveRegistration(ctx, current.ID)
	if err != nil {
		return nil, adapterError(CodeAdapterFailure, err,
			"active registration lookup for device %s", current.ID)
	}
	if registration == nil {
		return nil, integrityError(CodeCredentialNotFound,
			"no active credential registration exists for device %s", current.ID)
	}

	var record *AssociationRecord
	err = e.store.WithDeviceLocks([]string{current.SerialNumber, replacement.SerialNumber}, func(tx *Store) error {
		owner, err := tx.FindLiveOwnerRow(current.SerialNumber)
		if err != nil {
			return err
		}
		if owner == nil || owner.UserID != req.ActingUser {
			return preconditionError(CodeNotAuthorized,
				"device %s does not belong to user %s", current.SerialNumber, req.ActingUser)
		}
		replacementOwner, err := tx.FindLiveOwnerRow(replacement.SerialNumber)
		if err != nil {
			return err
		}
		if replacementOwner != nil {
			return preconditionError(CodeAlreadyAssociated,
				"replacement device %s is already associated", replacement.SerialNumber)
		}
		record = owner

		// Step 4: retire the current device's in-flight activation and
		// stage the replacement as activation-ready. The current device
		// only holds the activation slot when the defect gate is relaxed
		// by policy; a FAULTY or STOLEN device has no pending activation.
		if current.State == DeviceReadyToActivate {
			if err := e.devices.SetState(ctx, current.ID, DeviceProvisionedAlive, "activation retired for replacement"); err != nil {
				return adapterError(CodeAdapterFailure, err,
					"retire pending activation of device %s", current.SerialNumber)
			}
		}
		if err := e.devices.SetState(ctx, replacement.ID, DeviceReadyToActivate, "device replacement staged"); err != nil {
			return adapterError(CodeAdapterFailure, err,
				"stage replacement device %s", replacement.SerialNumber)
		}

		// Step 5: re-point the association row's device linkage.
		now := time.Now()
		record.SerialNumber = replacement.SerialNumber
		record.DeviceID = replacement.ID
		record.FactoryDataRef = replacement.FactoryDataRef
		record.ModifiedBy = req.ActingUser
		record.ModifiedAt = &now
		return tx.Save(record)
	})
	if err != nil {
		return nil, err
	}

	// Step 6: activate the replacement, optionally reset the old device.
	if err := e.devices.SetState(ctx, replacement.ID, DeviceActive, "device replacement activated"); err != nil {
		return nil, fanOutError(CodeAdapterFailure, err,
			"activate replacement device %s; association %s already re-pointed", replacement.SerialNumber, record.ID)
	}
	if e.policy.ResetReplacedDevice {
		if err := e.devices.SetState(ctx, current.ID, DeviceProvisioned, "device replaced"); err != nil {
			e.logger.Warn("replaced device not reset to PROVISIONED",
				"deviceId", current.ID, "error", err)
		}
	}

	// Step 7: swap the credentials, keeping the logical identity. No
	// rollback of the earlier steps if this fails.
	if err := e.identity.Deregister(ctx, current.ID); err != nil {
		return nil, fanOutError(CodeAdapterFailure, err,
			"deregister credentials of replaced device %s", current.ID)
	}
	fresh := Credential{
		LogicalID: registration.Credential.LogicalID,
		ICCID:     replacement.ICCID,
		IMSI:      replacement.IMSI,
		Type:      registration.Credential.Type,
	}
	if err := e.identity.Register(ctx, replacement.ID, fresh); err != nil {
		return nil, fanOutError(CodeAdapterFailure, err,
			"register credentials for replacement device %s", replacement.ID)
	}

	if e.policy.NotifyVehicleRegistry && e.vehicles != nil {
		if err := e.vehicles.UpdateDeviceLinkage(ctx, record.VINReference, current.ID, replacement.ID); err != nil {
			e.logger.Warn("vehicle registry update failed after replacement",
				"association", record.ID, "error", err)
		}
		if err := e.vehicles.SendDeviceReset(ctx, current.ID); err != nil {
			e.logger.Warn("reset notification to replaced device failed",
				"deviceId", current.ID, "error", err)
		}
	}

	e.appendEvent("association.replaced", req.ActingUser, record, "success", "",
		JSONAny{"deviceId": current.ID, "serialNumber": current.SerialNumber},
		JSONAny{"deviceId": replacement.ID, "serialNumber": replacement.SerialNumber})
	return &OperationResult{AssociationID: record.ID, Status: record.Status}, nil
}
