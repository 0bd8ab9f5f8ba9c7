package association

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AuditStore provides append-only operations for lifecycle event records.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append creates a new immutable lifecycle event record.
func (s *AuditStore) Append(event *LifecycleEventRecord) error {
	if err := s.db.Create(event).Error; err != nil {
		return fmt.Errorf("append lifecycle event: %w", err)
	}
	return nil
}

// ListBySerial returns paginated lifecycle events for a device, ordered by
// created_at DESC (newest first). pageToken is an RFC3339 timestamp;
// events with created_at < pageToken are returned.
func (s *AuditStore) ListBySerial(serialNumber string, pageSize int, pageToken string) ([]LifecycleEventRecord, string, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := s.db.Where("serial_number = ?", serialNumber).Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []LifecycleEventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list lifecycle events by serial: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, nil
}

// DeleteOlderThan deletes lifecycle events created before the cutoff.
// Returns the number of deleted records.
func (s *AuditStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("created_at < ?", cutoff).Delete(&LifecycleEventRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old lifecycle events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
