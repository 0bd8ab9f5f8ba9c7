package deviceregistry

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/carconnect/association-registry/pkg/association"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func seedDevice(t *testing.T, store *Store, id, serial, imei string) {
	t.Helper()
	require.NoError(t, store.Create(&DeviceRecord{
		ID:           id,
		SerialNumber: serial,
		IMEI:         imei,
		ICCID:        "iccid-" + serial,
		State:        association.DeviceProvisioned,
	}))
}

func TestStore_Lookup(t *testing.T) {
	store := newTestStore(t)
	seedDevice(t, store, "dev-1", "SN001", "356938035643809")
	ctx := context.Background()

	got, err := store.Lookup(ctx, association.DeviceSelector{SerialNumber: "SN001"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "dev-1", got.ID)
	assert.Equal(t, association.DeviceProvisioned, got.State)

	got, err = store.Lookup(ctx, association.DeviceSelector{IMEI: "356938035643809"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "SN001", got.SerialNumber)

	// Multiple identifiers are conjunctive.
	got, err = store.Lookup(ctx, association.DeviceSelector{SerialNumber: "SN001", IMEI: "wrong"})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.Lookup(ctx, association.DeviceSelector{SerialNumber: "SN404"})
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = store.Lookup(ctx, association.DeviceSelector{})
	require.Error(t, err)
}

func TestStore_Lookup_MultiMatchIsIntegrityFault(t *testing.T) {
	store := newTestStore(t)
	// Two devices sharing an IMEI should never exist; the lookup must not
	// pick one.
	seedDevice(t, store, "dev-1", "SN001", "356938035643809")
	seedDevice(t, store, "dev-2", "SN002", "356938035643809")

	got, err := store.Lookup(context.Background(), association.DeviceSelector{IMEI: "356938035643809"})
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Equal(t, association.KindIntegrity, association.KindOf(err))
	assert.Equal(t, association.CodeDuplicateRows, association.CodeOf(err))
}

func TestStore_SetState(t *testing.T) {
	store := newTestStore(t)
	seedDevice(t, store, "dev-1", "SN001", "")
	ctx := context.Background()

	require.NoError(t, store.SetState(ctx, "dev-1", association.DeviceReadyToActivate, "association initiated"))

	got, err := store.GetBySerial(ctx, "SN001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, association.DeviceReadyToActivate, got.State)

	err = store.SetState(ctx, "dev-404", association.DeviceActive, "test")
	require.Error(t, err)
}

func TestStore_GetBySerial_NotFound(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetBySerial(context.Background(), "SN404")
	require.NoError(t, err)
	assert.Nil(t, got)
}
