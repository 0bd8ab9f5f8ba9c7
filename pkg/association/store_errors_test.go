package association

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newMockedStore backs a Store with sqlmock so driver-level failures can be
// injected.
func newMockedStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      conn,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewStore(db), mock
}

func TestStore_GetByID_WrapsDriverError(t *testing.T) {
	store, mock := newMockedStore(t)

	driverErr := errors.New("connection reset by peer")
	mock.ExpectQuery("SELECT .* FROM `device_associations`").WillReturnError(driverErr)

	_, err := store.GetByID("assoc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, driverErr)
	assert.Contains(t, err.Error(), "get association assoc-1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindLiveOwnerRow_WrapsDriverError(t *testing.T) {
	store, mock := newMockedStore(t)

	driverErr := errors.New("lock wait timeout exceeded")
	mock.ExpectQuery("SELECT .* FROM `device_associations`").WillReturnError(driverErr)

	_, err := store.FindLiveOwnerRow("SN001")
	require.Error(t, err)
	assert.ErrorIs(t, err, driverErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Anonymize_WrapsDriverError(t *testing.T) {
	store, mock := newMockedStore(t)

	driverErr := errors.New("server gone away")
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `device_associations`").WillReturnError(driverErr)
	mock.ExpectRollback()

	err := store.Anonymize("assoc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, driverErr)
	require.NoError(t, mock.ExpectationsWereMet())
}
