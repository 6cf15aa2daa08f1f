// Package memory provides in-process Source and Destination implementations
// used by tests and local experiments.
package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/breez/anon-sync/store"
	"github.com/juju/mgo/v3/bson"
)

// Source is an ordered record collection with a live change feed.
type Source struct {
	mu       sync.Mutex
	records  map[store.ID]store.Customer
	watchers map[*stream]struct{}
	// changes is the full change history. An event's resume token is its
	// 1-based position in it.
	changes []store.ChangeEvent

	// OnWatch runs after a subscription is registered and before Watch
	// returns. Records inserted from it reach the new stream.
	OnWatch func()
	// BeforeWatch runs before a subscription is registered. Records inserted
	// from it are never delivered to the new stream.
	BeforeWatch func()
	// WatchErr, when set, is returned by Watch instead of subscribing.
	WatchErr func() error
}

func NewSource() *Source {
	return &Source{
		records:  make(map[store.ID]store.Customer),
		watchers: make(map[*stream]struct{}),
	}
}

// Insert stores c, assigning a fresh identity when it has none, and notifies
// live subscribers.
func (s *Source) Insert(c store.Customer) store.ID {
	if c.ID == "" {
		c.ID = bson.NewObjectId()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[c.ID] = c
	s.notifyLocked(store.OpInsert, c)
	return c.ID
}

// Update applies fn to the stored record and notifies subscribers.
func (s *Source) Update(id store.ID, fn func(c *store.Customer)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.records[id]
	if !ok {
		return false
	}
	fn(&c)
	c.ID = id
	s.records[id] = c
	s.notifyLocked(store.OpUpdate, c)
	return true
}

func (s *Source) Get(id store.ID) (store.Customer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.records[id]
	return c, ok
}

// CloseStreams terminates every live subscription as a server would when
// the connection drops.
func (s *Source) CloseStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		w.terminate()
		delete(s.watchers, w)
	}
}

func (s *Source) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *Source) notifyLocked(op store.OpKind, c store.Customer) {
	token := make([]byte, 8)
	binary.BigEndian.PutUint64(token, uint64(len(s.changes)+1))
	ev := store.ChangeEvent{Op: op, Document: &c, ResumeToken: token}
	s.changes = append(s.changes, ev)
	for w := range s.watchers {
		w.push(ev)
	}
}

// changesAfterLocked returns the history following the event with the given
// resume token.
func (s *Source) changesAfterLocked(token []byte) ([]store.ChangeEvent, error) {
	if len(token) != 8 {
		return nil, fmt.Errorf("malformed resume token %x", token)
	}
	pos := binary.BigEndian.Uint64(token)
	if pos == 0 || pos > uint64(len(s.changes)) {
		return nil, fmt.Errorf("resume token %d not in change history", pos)
	}
	return s.changes[pos:], nil
}

func (s *Source) Range(ctx context.Context, after *store.ID) (store.Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Customer
	for id, c := range s.records {
		if after != nil && id <= *after {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &iterator{records: out}, nil
}

// Watch subscribes to changes. With ResumeAfter set, the history following
// that token is delivered first.
func (s *Source) Watch(ctx context.Context, opts store.WatchOptions) (store.ChangeStream, error) {
	if s.WatchErr != nil {
		if err := s.WatchErr(); err != nil {
			return nil, err
		}
	}
	if s.BeforeWatch != nil {
		s.BeforeWatch()
	}
	w := &stream{source: s, signal: make(chan struct{}, 1)}
	s.mu.Lock()
	if opts.ResumeAfter != nil {
		missed, err := s.changesAfterLocked(opts.ResumeAfter)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		w.queue = append(w.queue, missed...)
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	if s.OnWatch != nil {
		s.OnWatch()
	}
	return w, nil
}

type iterator struct {
	records []store.Customer
	pos     int
}

func (it *iterator) Next(c *store.Customer) bool {
	if it.pos >= len(it.records) {
		return false
	}
	*c = it.records[it.pos]
	it.pos++
	return true
}

func (it *iterator) Close() error {
	return nil
}

type stream struct {
	source *Source
	mu     sync.Mutex
	queue  []store.ChangeEvent
	closed bool
	signal chan struct{}
}

func (w *stream) push(ev store.ChangeEvent) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	w.wake()
}

func (w *stream) terminate() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.wake()
}

func (w *stream) wake() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *stream) Next(ctx context.Context) (store.ChangeEvent, error) {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return ev, nil
		}
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return store.ChangeEvent{}, store.ErrStreamClosed
		}
		select {
		case <-w.signal:
		case <-ctx.Done():
			return store.ChangeEvent{}, ctx.Err()
		}
	}
}

func (w *stream) Close() error {
	w.source.mu.Lock()
	delete(w.source.watchers, w)
	w.source.mu.Unlock()
	w.terminate()
	return nil
}

// Destination is a map-backed mirror with optional failure injection.
type Destination struct {
	mu      sync.Mutex
	records map[store.ID]store.Customer
	writes  int

	// Fail, when set, decides per record whether its write fails.
	Fail func(c store.Customer) error
	// FailBatch, when set, fails whole batches.
	FailBatch func() error
	// OnUpsert runs at the start of every batch, before any record is stored.
	OnUpsert func(records []store.Customer)
}

var ErrInjected = errors.New("injected write failure")

func NewDestination() *Destination {
	return &Destination{records: make(map[store.ID]store.Customer)}
}

func (d *Destination) LatestID(ctx context.Context) (*store.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var latest *store.ID
	for id := range d.records {
		if latest == nil || id > *latest {
			id := id
			latest = &id
		}
	}
	return latest, nil
}

func (d *Destination) Upsert(ctx context.Context, records []store.Customer) (store.WriteFailures, error) {
	if d.OnUpsert != nil {
		d.OnUpsert(records)
	}
	if d.FailBatch != nil {
		if err := d.FailBatch(); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	failures := store.WriteFailures{}
	for _, c := range records {
		if d.Fail != nil {
			if err := d.Fail(c); err != nil {
				failures[c.ID] = err
				continue
			}
		}
		d.records[c.ID] = c
	}
	return failures, nil
}

// Seed stores records directly, bypassing write accounting.
func (d *Destination) Seed(records ...store.Customer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range records {
		d.records[c.ID] = c
	}
}

func (d *Destination) Get(id store.ID) (store.Customer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.records[id]
	return c, ok
}

func (d *Destination) IDs() []store.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]store.ID, 0, len(d.records))
	for id := range d.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Destination) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Writes counts successful batch calls.
func (d *Destination) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}
