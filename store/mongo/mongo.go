// Package mongo reads customers from a MongoDB collection, tails its change
// stream and mirrors anonymized customers into another collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/breez/anon-sync/store"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

const (
	dialTimeout  = 30 * time.Second
	maxAwaitTime = time.Second

	// bsonDocument is the BSON kind of an embedded document.
	bsonDocument = 0x03
)

// Dial connects to the deployment at uri. Change streams need a replica set
// and are served by the primary.
func Dial(uri string) (*mgo.Session, error) {
	session, err := mgo.DialWithTimeout(uri, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %v: %w", redact(uri), err)
	}
	session.SetMode(mgo.Strong, true)
	return session, nil
}

func redact(uri string) string {
	info, err := mgo.ParseURL(uri)
	if err != nil || len(info.Addrs) == 0 {
		return "mongodb"
	}
	return info.Addrs[0]
}

type Source struct {
	session    *mgo.Session
	db         string
	collection string
}

func NewSource(session *mgo.Session, db, collection string) *Source {
	return &Source{session: session, db: db, collection: collection}
}

func (s *Source) Range(ctx context.Context, after *store.ID) (store.Iterator, error) {
	var filter bson.M
	if after != nil {
		if err := store.ValidateID(*after); err != nil {
			return nil, err
		}
		filter = bson.M{"_id": bson.M{"$gt": *after}}
	}
	session := s.session.Copy()
	iter := session.DB(s.db).C(s.collection).Find(filter).Sort("_id").Iter()
	return &iterator{session: session, iter: iter}, nil
}

type iterator struct {
	session *mgo.Session
	iter    *mgo.Iter
}

func (it *iterator) Next(c *store.Customer) bool {
	return it.iter.Next(c)
}

func (it *iterator) Close() error {
	defer it.session.Close()
	return it.iter.Close()
}

var changeMatch = bson.D{{"$match", bson.M{"operationType": bson.M{"$in": []string{
	string(store.OpInsert), string(store.OpUpdate), string(store.OpReplace),
}}}}}

type changeDoc struct {
	ID            bson.Raw        `bson:"_id"`
	OperationType string          `bson:"operationType"`
	FullDocument  *store.Customer `bson:"fullDocument,omitempty"`
}

type cursorReply struct {
	Cursor struct {
		ID         int64      `bson:"id"`
		FirstBatch []bson.Raw `bson:"firstBatch"`
		NextBatch  []bson.Raw `bson:"nextBatch"`
	} `bson:"cursor"`
}

// Watch opens a change stream through the aggregate command. The driver has
// no change stream helper, so the cursor is driven by getMore commands.
func (s *Source) Watch(ctx context.Context, opts store.WatchOptions) (store.ChangeStream, error) {
	stage := bson.D{{"fullDocument", "updateLookup"}}
	if len(opts.ResumeAfter) > 0 {
		stage = append(stage, bson.DocElem{Name: "resumeAfter", Value: bson.Raw{Kind: bsonDocument, Data: opts.ResumeAfter}})
	}
	cmd := bson.D{
		{"aggregate", s.collection},
		{"pipeline", []bson.D{{{"$changeStream", stage}}, changeMatch}},
		{"cursor", bson.D{}},
	}
	session := s.session.Copy()
	var reply cursorReply
	if err := session.DB(s.db).Run(cmd, &reply); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to watch %v: %w", s.collection, err)
	}
	return &changeStream{
		session:    session,
		db:         s.db,
		collection: s.collection,
		cursorID:   reply.Cursor.ID,
		batch:      reply.Cursor.FirstBatch,
	}, nil
}

type changeStream struct {
	session    *mgo.Session
	db         string
	collection string
	cursorID   int64
	batch      []bson.Raw
}

// Next issues getMore rounds, each waiting up to maxAwaitTime on the
// server, so ctx is honoured between rounds. A zero cursor id means the
// server closed the stream.
func (w *changeStream) Next(ctx context.Context) (store.ChangeEvent, error) {
	for len(w.batch) == 0 {
		if err := ctx.Err(); err != nil {
			return store.ChangeEvent{}, err
		}
		if w.cursorID == 0 {
			return store.ChangeEvent{}, store.ErrStreamClosed
		}
		cmd := bson.D{
			{"getMore", w.cursorID},
			{"collection", w.collection},
			{"maxTimeMS", maxAwaitTime.Milliseconds()},
		}
		var reply cursorReply
		if err := w.session.DB(w.db).Run(cmd, &reply); err != nil {
			w.cursorID = 0
			return store.ChangeEvent{}, fmt.Errorf("change stream getMore: %w", err)
		}
		w.cursorID = reply.Cursor.ID
		w.batch = reply.Cursor.NextBatch
	}

	raw := w.batch[0]
	w.batch = w.batch[1:]
	var doc changeDoc
	if err := raw.Unmarshal(&doc); err != nil {
		return store.ChangeEvent{}, fmt.Errorf("failed to decode change event: %w", err)
	}
	return store.ChangeEvent{
		Op:          store.OpKind(doc.OperationType),
		Document:    doc.FullDocument,
		ResumeToken: doc.ID.Data,
	}, nil
}

func (w *changeStream) Close() error {
	defer w.session.Close()
	if w.cursorID == 0 {
		return nil
	}
	cmd := bson.D{
		{"killCursors", w.collection},
		{"cursors", []int64{w.cursorID}},
	}
	w.cursorID = 0
	return w.session.DB(w.db).Run(cmd, nil)
}

type Destination struct {
	session    *mgo.Session
	db         string
	collection string
}

func NewDestination(session *mgo.Session, db, collection string) *Destination {
	return &Destination{session: session, db: db, collection: collection}
}

func (d *Destination) LatestID(ctx context.Context) (*store.ID, error) {
	session := d.session.Copy()
	defer session.Close()

	var doc struct {
		ID store.ID `bson:"_id"`
	}
	err := session.DB(d.db).C(d.collection).Find(nil).Sort("-_id").Select(bson.M{"_id": 1}).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest id: %w", err)
	}
	if err := store.ValidateID(doc.ID); err != nil {
		return nil, fmt.Errorf("latest id %q: %w", string(doc.ID), err)
	}
	return &doc.ID, nil
}

// Upsert replaces each document by _id in one unordered bulk operation, so a
// failing document does not stop the rest.
func (d *Destination) Upsert(ctx context.Context, records []store.Customer) (store.WriteFailures, error) {
	if len(records) == 0 {
		return nil, nil
	}
	session := d.session.Copy()
	defer session.Close()

	bulk := session.DB(d.db).C(d.collection).Bulk()
	bulk.Unordered()
	for _, c := range records {
		bulk.Upsert(bson.M{"_id": c.ID}, c)
	}
	_, err := bulk.Run()
	if err == nil {
		return nil, nil
	}
	var bulkErr *mgo.BulkError
	if !errors.As(err, &bulkErr) {
		return nil, fmt.Errorf("failed to write batch: %w", err)
	}
	failures := store.WriteFailures{}
	for _, ec := range bulkErr.Cases() {
		if ec.Index < 0 || ec.Index >= len(records) {
			return nil, fmt.Errorf("failed to write batch: %w", err)
		}
		failures[records[ec.Index].ID] = ec.Err
	}
	return failures, nil
}
