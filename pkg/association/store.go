package association

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Store provides database operations for association rows. It is the sole
// arbiter of per-device serialization: every mutating operation runs its
// read-decide-write sequence inside WithDeviceLock, which holds a per-serial
// lock for the duration of the enclosing transaction. Read-only queries
// take no lock.
type Store struct {
	db    *gorm.DB
	locks *serialLocks
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, locks: newSerialLocks()}
}

// AutoMigrate creates or updates the association tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&AssociationRecord{}); err != nil {
		return fmt.Errorf("auto-migrate device_associations: %w", err)
	}
	if err := s.db.AutoMigrate(&LifecycleEventRecord{}); err != nil {
		return fmt.Errorf("auto-migrate association_events: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for stores that share the database.
func (s *Store) DB() *gorm.DB { return s.db }

// WithDeviceLock runs fn inside a transaction while holding the lock for
// the given serial number. Concurrent mutating operations against the same
// device serialize here; fn returning an error rolls the transaction back.
func (s *Store) WithDeviceLock(serialNumber string, fn func(tx *Store) error) error {
	unlock := s.locks.lock(serialNumber)
	defer unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, locks: s.locks})
	})
}

// WithDeviceLocks runs fn inside one transaction while holding the locks
// for all given serial numbers, acquired in sorted order to avoid lock
// inversion between concurrent bulk operations.
func (s *Store) WithDeviceLocks(serialNumbers []string, fn func(tx *Store) error) error {
	unlock := s.locks.lockAll(serialNumbers)
	defer unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, locks: s.locks})
	})
}

// Create inserts a new association row.
func (s *Store) Create(record *AssociationRecord) error {
	if err := s.db.Create(record).Error; err != nil {
		return fmt.Errorf("create association: %w", err)
	}
	return nil
}

// Save persists all fields of an existing association row.
func (s *Store) Save(record *AssociationRecord) error {
	if err := s.db.Save(record).Error; err != nil {
		return fmt.Errorf("save association %s: %w", record.ID, err)
	}
	return nil
}

// GetByID retrieves an association row by id. Returns nil, nil if no row
// exists.
func (s *Store) GetByID(id string) (*AssociationRecord, error) {
	var record AssociationRecord
	err := s.db.Where("id = ?", id).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get association %s: %w", id, err)
	}
	return &record, nil
}

// FindBySerialAndStatuses returns all rows for a device serial whose status
// is in the given set, ordered by creation time.
func (s *Store) FindBySerialAndStatuses(serialNumber string, statuses []AssociationStatus) ([]AssociationRecord, error) {
	var records []AssociationRecord
	err := s.db.
		Where("serial_number = ? AND status IN ?", serialNumber, statuses).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("find associations for serial %s: %w", serialNumber, err)
	}
	return records, nil
}

// FindByUserSerialAndStatuses returns rows for a user+device pair in the
// given status set.
func (s *Store) FindByUserSerialAndStatuses(userID, serialNumber string, statuses []AssociationStatus) ([]AssociationRecord, error) {
	var records []AssociationRecord
	err := s.db.
		Where("user_id = ? AND serial_number = ? AND status IN ?", userID, serialNumber, statuses).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("find associations for user %s serial %s: %w", userID, serialNumber, err)
	}
	return records, nil
}

// FindByUserAndStatuses returns all rows for a user in the given status set.
func (s *Store) FindByUserAndStatuses(userID string, statuses []AssociationStatus) ([]AssociationRecord, error) {
	var records []AssociationRecord
	err := s.db.
		Where("user_id = ? AND status IN ?", userID, statuses).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("find associations for user %s: %w", userID, err)
	}
	return records, nil
}

// FindLiveOwnerRow returns the single live owner-type row for a device, or
// nil if none exists. More than one live owner row is a data-integrity
// fault and is returned as an error, never resolved by picking a row.
func (s *Store) FindLiveOwnerRow(serialNumber string) (*AssociationRecord, error) {
	var records []AssociationRecord
	err := s.db.
		Where("serial_number = ? AND assoc_type = ? AND status IN ?", serialNumber, TypeOwner, LiveStatuses).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("find live owner row for serial %s: %w", serialNumber, err)
	}
	switch len(records) {
	case 0:
		return nil, nil
	case 1:
		return &records[0], nil
	default:
		return nil, integrityError(CodeDuplicateRows,
			"%d live owner rows exist for serial %s, expected at most one", len(records), serialNumber)
	}
}

// HasDisassociatedHistory reports whether the device has at least one
// terminal row, used by the forbid-reassociation policy.
func (s *Store) HasDisassociatedHistory(serialNumber string) (bool, error) {
	var count int64
	err := s.db.Model(&AssociationRecord{}).
		Where("serial_number = ? AND status = ?", serialNumber, StatusDisassociated).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count terminal rows for serial %s: %w", serialNumber, err)
	}
	return count > 0, nil
}

// ListHistoryBySerial returns every row ever created for a device,
// including anonymized terminal rows, newest first.
func (s *Store) ListHistoryBySerial(serialNumber string) ([]AssociationRecord, error) {
	var records []AssociationRecord
	err := s.db.
		Where("serial_number = ?", serialNumber).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list history for serial %s: %w", serialNumber, err)
	}
	return records, nil
}

// Anonymize overwrites the identifying fields of a terminal row with the
// unresolvable sentinel. The overwrite is irreversible; status and audit
// timestamps are retained.
func (s *Store) Anonymize(id string) error {
	now := time.Now()
	result := s.db.Model(&AssociationRecord{}).
		Where("id = ? AND status = ?", id, StatusDisassociated).
		Updates(map[string]any{
			"user_id":          AnonymizedSentinel,
			"serial_number":    AnonymizedSentinel,
			"device_id":        AnonymizedSentinel,
			"factory_data_ref": "",
			"vin_reference":    "",
			"modified_by":      AnonymizedSentinel,
			"modified_at":      &now,
		})
	if result.Error != nil {
		return fmt.Errorf("anonymize association %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("anonymize association %s: row is not terminal or does not exist", id)
	}
	return nil
}

// serialLocks provides per-serial mutual exclusion. Locks are created on
// first use and retained for the process lifetime; the set is bounded by
// the number of distinct devices handled by this instance.
type serialLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSerialLocks() *serialLocks {
	return &serialLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *serialLocks) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

func (l *serialLocks) lock(key string) (unlock func()) {
	m := l.get(key)
	m.Lock()
	return m.Unlock
}

// lockAll acquires the locks for all keys in sorted order and returns a
// function releasing them in reverse order.
func (l *serialLocks) lockAll(keys []string) (unlock func()) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	var held []*sync.Mutex
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue // deduplicate, a mutex must not be locked twice
		}
		m := l.get(k)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
