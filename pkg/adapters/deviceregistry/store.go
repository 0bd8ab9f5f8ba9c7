// Package deviceregistry provides the gorm-backed device registry adapter.
// The registry owns device identities and their manufacturing lifecycle
// state; the association engine only reads identities and requests state
// transitions through this adapter.
package deviceregistry

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/carconnect/association-registry/pkg/association"
)

// DeviceRecord is the persisted device identity row.
type DeviceRecord struct {
	ID             string                  `gorm:"primaryKey;column:id;type:varchar(36)"`
	SerialNumber   string                  `gorm:"column:serial_number;uniqueIndex;not null"`
	IMEI           string                  `gorm:"column:imei;index"`
	BSSID          string                  `gorm:"column:bssid;index"`
	ICCID          string                  `gorm:"column:iccid"`
	IMSI           string                  `gorm:"column:imsi"`
	State          association.DeviceState `gorm:"column:state;default:PROVISIONED;not null"`
	StateReason    string                  `gorm:"column:state_reason"`
	FactoryDataRef string                  `gorm:"column:factory_data_ref"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (DeviceRecord) TableName() string { return "device_identities" }

// Identity converts the record into the engine-facing device identity.
func (r *DeviceRecord) Identity() *association.DeviceIdentity {
	return &association.DeviceIdentity{
		ID:             r.ID,
		SerialNumber:   r.SerialNumber,
		IMEI:           r.IMEI,
		BSSID:          r.BSSID,
		ICCID:          r.ICCID,
		IMSI:           r.IMSI,
		State:          r.State,
		FactoryDataRef: r.FactoryDataRef,
	}
}

// Store is the gorm-backed device registry. It implements
// association.DeviceRegistryAdapter. Lookups that serve read-only
// enrichment can go through CachedLookup instead.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new device registry store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the device identity table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&DeviceRecord{}); err != nil {
		return fmt.Errorf("auto-migrate device_identities: %w", err)
	}
	return nil
}

// Create inserts a new device identity.
func (s *Store) Create(record *DeviceRecord) error {
	if err := s.db.Create(record).Error; err != nil {
		return fmt.Errorf("create device identity: %w", err)
	}
	return nil
}

// Lookup resolves a selector to exactly one device identity. Returns
// nil, nil when no device matches; more than one match is an error.
func (s *Store) Lookup(ctx context.Context, selector association.DeviceSelector) (*association.DeviceIdentity, error) {
	if selector.Empty() {
		return nil, fmt.Errorf("empty device selector")
	}

	query := s.db.WithContext(ctx).Model(&DeviceRecord{})
	if selector.SerialNumber != "" {
		query = query.Where("serial_number = ?", selector.SerialNumber)
	}
	if selector.IMEI != "" {
		query = query.Where("imei = ?", selector.IMEI)
	}
	if selector.BSSID != "" {
		query = query.Where("bssid = ?", selector.BSSID)
	}

	var records []DeviceRecord
	if err := query.Limit(2).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("lookup device by %s: %w", selector, err)
	}
	switch len(records) {
	case 0:
		return nil, nil
	case 1:
		return records[0].Identity(), nil
	default:
		return nil, &association.OperationError{
			Kind:    association.KindIntegrity,
			Code:    association.CodeDuplicateRows,
			Message: fmt.Sprintf("selector %s matches more than one device", selector),
		}
	}
}

// SetState requests a manufacturing lifecycle transition for a device.
func (s *Store) SetState(ctx context.Context, deviceID string, newState association.DeviceState, reason string) error {
	result := s.db.WithContext(ctx).Model(&DeviceRecord{}).
		Where("id = ?", deviceID).
		Updates(map[string]any{"state": newState, "state_reason": reason})
	if result.Error != nil {
		return fmt.Errorf("set device %s state to %s: %w", deviceID, newState, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("set device %s state to %s: device not found", deviceID, newState)
	}
	return nil
}

// GetBySerial retrieves a device identity by serial number. Returns
// nil, nil when no device exists.
func (s *Store) GetBySerial(ctx context.Context, serialNumber string) (*association.DeviceIdentity, error) {
	var record DeviceRecord
	err := s.db.WithContext(ctx).Where("serial_number = ?", serialNumber).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get device by serial %s: %w", serialNumber, err)
	}
	return record.Identity(), nil
}
