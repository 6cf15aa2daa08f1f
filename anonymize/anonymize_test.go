package anonymize

import (
	"regexp"
	"sync"
	"testing"

	"github.com/breez/anon-sync/store"
	"github.com/stretchr/testify/require"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

func TestCustomerKeepsIdentityAndNonPII(t *testing.T) {
	in := store.TestCustomer(42)
	out := Customer(in)

	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.CreatedAt, out.CreatedAt)
	require.Equal(t, in.Address.City, out.Address.City)
	require.Equal(t, in.Address.State, out.Address.State)
	require.Equal(t, in.Address.Country, out.Address.Country)

	for _, v := range []string{out.FirstName, out.LastName, out.Address.Line1, out.Address.Line2, out.Address.Postcode} {
		require.Regexp(t, tokenPattern, v)
	}
	require.NotEqual(t, in.FirstName, out.FirstName)
	require.NotEqual(t, in.Email, out.Email)
}

func TestCustomerDoesNotMutateInput(t *testing.T) {
	in := store.TestCustomer(1)
	before := in
	_ = Customer(in)
	require.Equal(t, before, in)
}

func TestEmail(t *testing.T) {
	tests := []struct {
		name   string
		email  string
		domain string
	}{
		{name: "plain", email: "jane@example.com", domain: "@example.com"},
		{name: "last separator wins", email: `"a@b"@example.org`, domain: "@example.org"},
		{name: "empty domain", email: "jane@", domain: "@"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Email(tc.email)
			require.Len(t, got, TokenLength+len(tc.domain))
			require.Regexp(t, tokenPattern, got[:TokenLength])
			require.Equal(t, tc.domain, got[TokenLength:])
		})
	}
}

func TestEmailWithoutSeparator(t *testing.T) {
	got := Email("not-an-email")
	require.Regexp(t, tokenPattern, got)
	require.NotContains(t, got, "not-an-email")
}

func TestCustomerIsRandomized(t *testing.T) {
	in := store.TestCustomer(1)
	require.NotEqual(t, Customer(in).FirstName, Customer(in).FirstName)
}

func TestCustomerConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			in := store.TestCustomer(n)
			require.Equal(t, in.ID, Customer(in).ID)
		}(uint64(i))
	}
	wg.Wait()
}
