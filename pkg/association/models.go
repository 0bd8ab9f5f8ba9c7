package association

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AnonymizedSentinel overwrites user and device identifiers on wiped rows.
// It resolves to no user and no device, so historical rows cannot be
// mistaken for live data. The overwrite is irreversible.
const AnonymizedSentinel = "ANONYMIZED"

// JSONAny is a custom GORM type for map[string]any stored as JSON text.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONAny: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// AssociationRecord is the durable association row linking a device to a
// user. Rows are created only by associate-type operations and never
// deleted; all later changes move status forward or rewrite ownership and
// device linkage.
type AssociationRecord struct {
	ID             string            `gorm:"primaryKey;column:id;type:varchar(36)"`
	SerialNumber   string            `gorm:"column:serial_number;index:idx_assoc_serial_status,priority:1;not null"`
	DeviceID       string            `gorm:"column:device_id;index"`
	FactoryDataRef string            `gorm:"column:factory_data_ref"`
	UserID         string            `gorm:"column:user_id;index:idx_assoc_user_status,priority:1;not null"`
	Type           AssociationType   `gorm:"column:assoc_type;default:OWNER;not null"`
	Status         AssociationStatus `gorm:"column:status;index:idx_assoc_serial_status,priority:2;index:idx_assoc_user_status,priority:2;default:INITIATED;not null"`
	VINReference   string            `gorm:"column:vin_reference"`

	StartsAt *time.Time `gorm:"column:starts_at"`
	EndsAt   *time.Time `gorm:"column:ends_at"`

	AssociatedBy    string     `gorm:"column:associated_by"`
	AssociatedAt    *time.Time `gorm:"column:associated_at"`
	DisassociatedBy string     `gorm:"column:disassociated_by"`
	DisassociatedAt *time.Time `gorm:"column:disassociated_at"`
	ModifiedBy      string     `gorm:"column:modified_by"`
	ModifiedAt      *time.Time `gorm:"column:modified_at"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (AssociationRecord) TableName() string { return "device_associations" }

// IsOwner reports whether the row is an owner-type association.
func (r *AssociationRecord) IsOwner() bool { return r.Type == TypeOwner }

// IsLive reports whether the row is in a non-terminal status.
func (r *AssociationRecord) IsLive() bool { return r.Status != StatusDisassociated }

// View converts the record into its API-facing representation.
func (r *AssociationRecord) View() AssociationView {
	return AssociationView{
		ID:              r.ID,
		SerialNumber:    r.SerialNumber,
		DeviceID:        r.DeviceID,
		UserID:          r.UserID,
		Type:            r.Type,
		Status:          r.Status,
		StartsAt:        r.StartsAt,
		EndsAt:          r.EndsAt,
		AssociatedBy:    r.AssociatedBy,
		AssociatedAt:    r.AssociatedAt,
		DisassociatedBy: r.DisassociatedBy,
		DisassociatedAt: r.DisassociatedAt,
	}
}

// LifecycleEventRecord is an immutable audit log entry appended on every
// association lifecycle transition.
type LifecycleEventRecord struct {
	ID            string  `gorm:"primaryKey;column:id;type:varchar(36)"`
	CorrelationID string  `gorm:"column:correlation_id;index"`
	EventType     string  `gorm:"column:event_type;index:idx_event_type_time,priority:1;not null"`
	Actor         string  `gorm:"column:actor;index;not null"`
	AssociationID string  `gorm:"column:association_id;index"`
	SerialNumber  string  `gorm:"column:serial_number;index:idx_event_serial_time,priority:1"`
	UserID        string  `gorm:"column:user_id"`
	Outcome       string  `gorm:"column:outcome;not null"` // success, failure, compensated
	Reason        string  `gorm:"column:reason"`
	OldValue      JSONAny `gorm:"column:old_value;type:text"`
	NewValue      JSONAny `gorm:"column:new_value;type:text"`

	CreatedAt time.Time `gorm:"column:created_at;index:idx_event_type_time,priority:2;index:idx_event_serial_time,priority:2;autoCreateTime"`
}

// TableName returns the GORM table name.
func (LifecycleEventRecord) TableName() string { return "association_events" }
