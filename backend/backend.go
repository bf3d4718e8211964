// Copyright © 2026 Genome Research Limited
//
//  This file is part of wmq.
//
//  wmq is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  wmq is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with wmq. If not, see <http://www.gnu.org/licenses/>.

package backend

// This file contains the Backend interface and the types shared by its
// implementations.

import (
	"context"
	"fmt"
	"time"

	"github.com/dmwm/workqueue/element"
	"github.com/gofrs/uuid"
	"github.com/ugorji/go/codec"
)

const defaultPageSize = 500

// Kinds of Backend that Open() knows about.
const (
	KindBolt   = "bolt"
	KindSQLite = "sqlite3"
	KindPgx    = "pgx"
)

// Backend is durable storage of elements and requests, with compare-and-swap
// status updates. Every method that does I/O takes a context, and returns an
// error wrapping ErrUnavailable if the store could not be reached.
type Backend interface {
	// Insert stores a copy of the element, assigning it an ID if it doesn't
	// have one. Fails with ErrDuplicate if a live element with the same
	// Fingerprint() (or ID) exists.
	Insert(ctx context.Context, e *element.Element) (*element.Element, error)

	// BulkInsert is Insert() for each element, returning one Result per
	// element in the same order.
	BulkInsert(ctx context.Context, es []*element.Element) []Result

	// Get returns the live element with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*element.Element, error)

	// UpdateStatus moves the element from expected to status, after letting
	// mutate alter its other fields. Fails with ErrConflict if the stored
	// status isn't expected. expected == status updates fields only. If
	// mutate returns an error nothing is stored and that error is returned.
	UpdateStatus(ctx context.Context, id string, expected, status element.Status, mutate func(*element.Element) error) (*element.Element, error)

	// BulkUpdateStatus is UpdateStatus() for each update.
	BulkUpdateStatus(ctx context.Context, updates []Update) []Result

	// Query returns a lazy, restartable iterator over live elements matching
	// the filter, in ID order.
	Query(ctx context.Context, f Filter) Iterator

	// Delete removes live elements outright. It is for undoing inserts, not
	// for retiring elements (see Archive()).
	Delete(ctx context.Context, ids ...string) error

	// Archive retires elements that are Archivable() given the cutoff, freeing
	// their natural keys, and returns how many were archived.
	Archive(ctx context.Context, cutoff time.Time) (int, error)

	// PutRequest creates or replaces a request record.
	PutRequest(ctx context.Context, r *Request) error

	// GetRequest returns the named request, or ErrNotFound.
	GetRequest(ctx context.Context, name string) (*Request, error)

	// Requests returns all request records.
	Requests(ctx context.Context) ([]*Request, error)

	Close() error
}

// Config tells Open() what kind of Backend to make.
type Config struct {
	// Kind is one of KindBolt, KindSQLite or KindPgx.
	Kind string

	// Path is the database file for bolt and sqlite3, or the DSN for pgx.
	Path string

	// PageSize is how many elements Query() iterators read at a time.
	PageSize int
}

// Open makes the Backend described by the config.
func Open(config Config) (Backend, error) {
	switch config.Kind {
	case KindBolt, "":
		return OpenBolt(config.Path, config.PageSize)
	case KindSQLite, KindPgx:
		return OpenSQL(config.Kind, config.Path, config.PageSize)
	}
	return nil, Error{Op: "Open", Item: config.Kind, Err: ErrUnknownKind}
}

// Update describes one compare-and-swap for BulkUpdateStatus().
type Update struct {
	ID       string
	Expected element.Status
	Status   element.Status
	Mutate   func(*element.Element) error
}

// Result is the outcome of one bulk operation on one element.
type Result struct {
	ID      string
	Element *element.Element
	Err     error
}

// InboxFilter says how a Filter treats inbox elements.
type InboxFilter int

// Inbox* are the possible InboxFilter values.
const (
	InboxAny InboxFilter = iota
	InboxOnly
	InboxExcluded
)

// Filter is a predicate over elements. Zero values match anything, except
// that quarantined elements are excluded unless IncludeQuarantined is set.
type Filter struct {
	Statuses           []element.Status
	RequestName        string
	Team               string
	Site               string
	ChildQueueURL      string
	ParentQueueID      string
	Inbox              InboxFilter
	InsertedAfter      time.Time
	InsertedBefore     time.Time
	UpdatedBefore      time.Time
	IncludeQuarantined bool
}

// Match tells you if the element satisfies the filter.
func (f Filter) Match(e *element.Element) bool {
	if e.Quarantined && !f.IncludeQuarantined {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if e.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	switch {
	case f.RequestName != "" && e.RequestName != f.RequestName,
		f.Team != "" && e.Team != f.Team,
		f.ChildQueueURL != "" && e.ChildQueueURL != f.ChildQueueURL,
		f.ParentQueueID != "" && e.ParentQueueID != f.ParentQueueID,
		f.Inbox == InboxOnly && !e.Inbox,
		f.Inbox == InboxExcluded && e.Inbox,
		!f.InsertedAfter.IsZero() && !e.InsertTime.After(f.InsertedAfter),
		!f.InsertedBefore.IsZero() && !e.InsertTime.Before(f.InsertedBefore),
		!f.UpdatedBefore.IsZero() && !e.UpdateTime.Before(f.UpdatedBefore):
		return false
	}

	if f.Site != "" && e.Site != f.Site {
		if e.Site != "" || len(e.EligibleSites(element.Offer{f.Site: 0})) == 0 {
			return false
		}
	}

	return true
}

// Request is the record the engine keeps about a queued request, so that it
// can be re-split as blocks close or gain locations, and so that its terminal
// status is only reported once.
type Request struct {
	Name       string                   `json:"name"`
	Team       string                   `json:"team"`
	Priority   int                      `json:"priority"`
	Status     element.Status           `json:"status,omitempty"`
	Tasks      map[string]*TaskProgress `json:"tasks"`
	Canceled   bool                     `json:"canceled,omitempty"`
	Notified   bool                     `json:"notified,omitempty"`
	InsertTime time.Time                `json:"insert_time"`
	UpdateTime time.Time                `json:"update_time"`
}

// TaskProgress records which parts of a task's input have been split.
type TaskProgress struct {
	// Split are the blocks (or, for Monte Carlo tasks, a marker) that
	// have been turned in to elements.
	Split []string `json:"split,omitempty"`

	// Pending are blocks that had no locations at the last split.
	Pending []string `json:"pending,omitempty"`

	// Open are blocks that were still open at the last split.
	Open []string `json:"open,omitempty"`
}

// Outstanding tells you if any task has blocks still to be split.
func (r *Request) Outstanding() bool {
	for _, tp := range r.Tasks {
		if len(tp.Pending) > 0 || len(tp.Open) > 0 {
			return true
		}
	}
	return false
}

// IsSplit tells you if the given block of the given task has been split.
func (r *Request) IsSplit(task, block string) bool {
	tp, exists := r.Tasks[task]
	if !exists {
		return false
	}
	for _, b := range tp.Split {
		if b == block {
			return true
		}
	}
	return false
}

// Iterator is a lazy sequence of elements.
//
//    it := b.Query(ctx, backend.Filter{Statuses: []element.Status{element.Available}})
//    for it.Next() {
//        e := it.Element()
//    }
//    if err := it.Err(); err != nil {
//        ...
//    }
type Iterator interface {
	// Next advances to the next element, returning false at the end or on
	// error.
	Next() bool

	// Element returns the current element.
	Element() *element.Element

	// Err returns the error that stopped iteration, if any.
	Err() error

	// Reset restarts iteration from the beginning.
	Reset()
}

// Collect reads all the elements of the iterator.
func Collect(it Iterator) ([]*element.Element, error) {
	var es []*element.Element
	for it.Next() {
		es = append(es, it.Element())
	}
	return es, it.Err()
}

// pageFetcher returns up to limit elements with IDs greater than after, in ID
// order.
type pageFetcher func(after string, limit int) ([]*element.Element, error)

// pagedIterator is an Iterator that reads a page at a time, keyed on the last
// ID seen, so that callers may alter the store while iterating.
type pagedIterator struct {
	fetch    pageFetcher
	filter   Filter
	pageSize int
	page     []*element.Element
	pos      int
	after    string
	done     bool
	current  *element.Element
	err      error
}

func newPagedIterator(fetch pageFetcher, filter Filter, pageSize int) *pagedIterator {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &pagedIterator{fetch: fetch, filter: filter, pageSize: pageSize}
}

func (it *pagedIterator) Next() bool {
	for it.err == nil {
		if it.pos < len(it.page) {
			e := it.page[it.pos]
			it.pos++
			if it.filter.Match(e) {
				it.current = e
				return true
			}
			continue
		}

		if it.done {
			break
		}

		page, err := it.fetch(it.after, it.pageSize)
		if err != nil {
			it.err = err
			break
		}
		it.page, it.pos = page, 0
		if len(page) < it.pageSize {
			it.done = true
		}
		if len(page) > 0 {
			it.after = page[len(page)-1].ID
		}
	}
	it.current = nil
	return false
}

func (it *pagedIterator) Element() *element.Element {
	return it.current
}

func (it *pagedIterator) Err() error {
	return it.err
}

func (it *pagedIterator) Reset() {
	it.page, it.pos, it.after, it.done, it.current, it.err = nil, 0, "", false, nil, nil
}

// prepareInsert returns a validated copy of e ready to be stored.
func prepareInsert(e *element.Element, now time.Time) (*element.Element, error) {
	c := e.Clone()
	if c.Status == "" {
		c.Status = element.Available
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if c.ID == "" {
		u, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		c.ID = u.String()
	}
	if c.InsertTime.IsZero() {
		c.InsertTime = now
	}
	c.UpdateTime = now
	c.Version = 1
	return c, nil
}

// applyUpdate carries out the compare-and-swap logic of UpdateStatus() on a
// decoded stored element, returning the new version to store.
func applyUpdate(stored *element.Element, expected, status element.Status, mutate func(*element.Element) error, now time.Time) (*element.Element, error) {
	if stored.Status != expected {
		return nil, Error{Op: "UpdateStatus", Item: stored.ID, Err: ErrConflict, Detail: fmt.Sprintf("stored %s, expected %s", stored.Status, expected)}
	}

	updated := stored.Clone()
	if mutate != nil {
		if err := mutate(updated); err != nil {
			return nil, err
		}
	}

	// identity can't be altered by mutate
	updated.ID = stored.ID
	updated.RequestName = stored.RequestName
	updated.TaskName = stored.TaskName
	updated.Inputs = stored.Inputs
	updated.Inbox = stored.Inbox
	updated.InsertTime = stored.InsertTime
	updated.Status = stored.Status

	if status != expected {
		if err := updated.SetStatus(status); err != nil {
			return nil, err
		}
	}
	if err := element.CheckImmutable(stored, updated); err != nil {
		return nil, err
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}

	updated.Version = stored.Version + 1
	updated.UpdateTime = now
	return updated, nil
}

// bulkUpdate implements BulkUpdateStatus() for any Backend.
func bulkUpdate(ctx context.Context, b Backend, updates []Update) []Result {
	results := make([]Result, len(updates))
	for i, u := range updates {
		e, err := b.UpdateStatus(ctx, u.ID, u.Expected, u.Status, u.Mutate)
		results[i] = Result{ID: u.ID, Element: e, Err: err}
	}
	return results
}

// bulkInsert implements BulkInsert() for any Backend.
func bulkInsert(ctx context.Context, b Backend, es []*element.Element) []Result {
	results := make([]Result, len(es))
	for i, e := range es {
		stored, err := b.Insert(ctx, e)
		results[i] = Result{ID: e.ID, Element: stored, Err: err}
		if stored != nil {
			results[i].ID = stored.ID
		}
	}
	return results
}

var bincHandle = new(codec.BincHandle)

// encode serializes elements and requests for storage.
func encode(v interface{}) ([]byte, error) {
	var encoded []byte
	enc := codec.NewEncoderBytes(&encoded, bincHandle)
	err := enc.Encode(v)
	return encoded, err
}

// decode is the reverse of encode. The returned value shares no memory with
// the given bytes.
func decode(encoded []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(encoded, bincHandle)
	return dec.Decode(v)
}

func decodeElement(encoded []byte) (*element.Element, error) {
	e := &element.Element{}
	err := decode(encoded, e)
	return e, err
}
