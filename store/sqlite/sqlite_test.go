package sqlite

import (
	"context"
	"testing"

	"github.com/breez/anon-sync/store"
	"github.com/stretchr/testify/require"
)

func TestLatestIDEmpty(t *testing.T) {
	dest, err := NewSQLiteDestination("file:testlatestidempty?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")

	(&store.DestinationTest{}).TestLatestIDEmpty(t, dest)
}

func TestUpsertRecords(t *testing.T) {
	dest, err := NewSQLiteDestination("file:testupsertrecords?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")

	(&store.DestinationTest{}).TestUpsertRecords(t, dest)
}

func TestUpsertReplaces(t *testing.T) {
	dest, err := NewSQLiteDestination("file:testupsertreplaces?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")

	(&store.DestinationTest{}).TestUpsertReplaces(t, dest)

	got, err := dest.Get(context.Background(), store.TestID(7))
	require.NoError(t, err, "failed to call Get")
	require.NotNil(t, got)
	want := store.TestCustomer(7)
	require.Equal(t, "changed", got.FirstName)
	require.Equal(t, want.Email, got.Email)
	require.Equal(t, want.Address, got.Address)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", got.CreatedAt, want.CreatedAt)
}

func TestGetMissing(t *testing.T) {
	dest, err := NewSQLiteDestination("file:testgetmissing?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")

	got, err := dest.Get(context.Background(), store.TestID(1))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLatestIDMalformed(t *testing.T) {
	dest, err := NewSQLiteDestination("file:testlatestidmalformed?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")

	_, err = dest.db.Exec(`INSERT INTO customers_anonymised (id, first_name, last_name, email, address, created_at)
		VALUES ('zzz', '', '', '', '{}', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	_, err = dest.LatestID(context.Background())
	require.ErrorIs(t, err, store.ErrMalformedID)
}
