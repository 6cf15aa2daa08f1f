package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestID builds an ordered identity from a small integer so fixtures can talk
// about "record 1..n".
func TestID(n uint64) ID {
	var b [12]byte
	binary.BigEndian.PutUint64(b[4:], n)
	return ID(b[:])
}

func TestCustomer(n uint64) Customer {
	return Customer{
		ID:        TestID(n),
		FirstName: fmt.Sprintf("first%d", n),
		LastName:  fmt.Sprintf("last%d", n),
		Email:     fmt.Sprintf("user%d@example.com", n),
		Address: Address{
			Line1:    fmt.Sprintf("%d Main Street", n),
			Line2:    "Apt. 1",
			Postcode: "12345",
			City:     "Springfield",
			State:    "Oregon",
			Country:  "USA",
		},
		CreatedAt: time.Date(2024, 1, int(n%28)+1, 0, 0, 0, 0, time.UTC),
	}
}

// DestinationTest is the behaviour every Destination backend must share.
type DestinationTest struct{}

func (s *DestinationTest) TestLatestIDEmpty(t *testing.T, dest Destination) {
	latest, err := dest.LatestID(context.Background())
	require.NoError(t, err, "failed to call LatestID")
	require.Nil(t, latest)
}

func (s *DestinationTest) TestUpsertRecords(t *testing.T, dest Destination) {
	records := []Customer{TestCustomer(1), TestCustomer(3), TestCustomer(2)}
	failures, err := dest.Upsert(context.Background(), records)
	require.NoError(t, err, "failed to call Upsert")
	require.Empty(t, failures)

	latest, err := dest.LatestID(context.Background())
	require.NoError(t, err, "failed to call LatestID")
	require.NotNil(t, latest)
	require.Equal(t, TestID(3), *latest)
}

func (s *DestinationTest) TestUpsertReplaces(t *testing.T, dest Destination) {
	record := TestCustomer(7)
	_, err := dest.Upsert(context.Background(), []Customer{record})
	require.NoError(t, err, "failed to call Upsert")

	record.FirstName = "changed"
	failures, err := dest.Upsert(context.Background(), []Customer{record})
	require.NoError(t, err, "failed to call Upsert a second time")
	require.Empty(t, failures)

	latest, err := dest.LatestID(context.Background())
	require.NoError(t, err, "failed to call LatestID")
	require.Equal(t, TestID(7), *latest)
}
