package store

import (
	"context"
	"errors"
	"time"

	"github.com/juju/mgo/v3/bson"
)

var (
	ErrMalformedID  = errors.New("malformed record id")
	ErrStreamClosed = errors.New("change stream closed")
)

// ID is the store-assigned record identity. ObjectIds compare in insertion
// order byte-wise, so plain string comparison orders them.
type ID = bson.ObjectId

type Address struct {
	Line1    string `bson:"line1" json:"line1"`
	Line2    string `bson:"line2" json:"line2"`
	Postcode string `bson:"postcode" json:"postcode"`
	City     string `bson:"city" json:"city"`
	State    string `bson:"state" json:"state"`
	Country  string `bson:"country" json:"country"`
}

type Customer struct {
	ID        ID        `bson:"_id,omitempty"`
	FirstName string    `bson:"firstName"`
	LastName  string    `bson:"lastName"`
	Email     string    `bson:"email"`
	Address   Address   `bson:"address"`
	CreatedAt time.Time `bson:"createdAt"`
}

// ValidateID guards every identity before it is used in a range filter.
func ValidateID(id ID) error {
	if !id.Valid() {
		return ErrMalformedID
	}
	return nil
}

// OpKind is the kind of change carried by a ChangeEvent.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpUpdate  OpKind = "update"
	OpReplace OpKind = "replace"
)

// ChangeEvent is a single live notification. Document is the full current
// record, nil when it no longer exists at lookup time.
type ChangeEvent struct {
	Op          OpKind
	Document    *Customer
	ResumeToken []byte
}

type WatchOptions struct {
	// ResumeAfter continues a previous subscription when set.
	ResumeAfter []byte
}

// Iterator yields records in ascending identity order.
type Iterator interface {
	Next(c *Customer) bool
	Close() error
}

type ChangeStream interface {
	// Next blocks until an event arrives, ctx is done or the stream fails.
	Next(ctx context.Context) (ChangeEvent, error)
	Close() error
}

type Source interface {
	// Range returns the records with identity strictly greater than after,
	// or every record when after is nil.
	Range(ctx context.Context, after *ID) (Iterator, error)
	Watch(ctx context.Context, opts WatchOptions) (ChangeStream, error)
}

// WriteFailures maps identities to the error that prevented their write.
type WriteFailures map[ID]error

type Destination interface {
	// LatestID returns the greatest identity stored, nil when empty.
	LatestID(ctx context.Context) (*ID, error)
	// Upsert replaces or inserts every record by identity. A non-nil error
	// means the whole batch failed.
	Upsert(ctx context.Context, records []Customer) (WriteFailures, error)
}
