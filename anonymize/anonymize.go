// Package anonymize scrambles the personally identifying fields of a
// customer while keeping its identity and non-PII fields.
package anonymize

import (
	"math/rand/v2"
	"strings"

	"github.com/breez/anon-sync/store"
)

const (
	TokenLength  = 8
	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Token returns n random alphanumeric characters.
func Token(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[rand.IntN(len(alphanumeric))]
	}
	return string(b)
}

// Customer returns an anonymized copy of c. Identity, creation time and the
// coarse location fields (city, state, country) are kept verbatim.
func Customer(c store.Customer) store.Customer {
	out := c
	out.FirstName = Token(TokenLength)
	out.LastName = Token(TokenLength)
	out.Email = Email(c.Email)
	out.Address.Line1 = Token(TokenLength)
	out.Address.Line2 = Token(TokenLength)
	out.Address.Postcode = Token(TokenLength)
	return out
}

// Email replaces the local part and keeps the domain after the last '@'.
// An address without '@' is all local part, so only the token is returned.
func Email(email string) string {
	i := strings.LastIndexByte(email, '@')
	if i < 0 {
		return Token(TokenLength)
	}
	return Token(TokenLength) + "@" + email[i+1:]
}
