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

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmwm/workqueue/element"
	. "github.com/smartystreets/goconvey/convey"
)

func newTestElement(request string, firstFile int) *element.Element {
	return &element.Element{
		RequestName: request,
		TaskName:    "Processing",
		Jobs:        1,
		Locations:   []string{"SiteA"},
		Inputs:      []element.Input{{Dataset: "/A/B/C", Block: "/A/B/C#1", FirstFile: firstFile, NumFiles: 5}},
	}
}

func TestBackends(t *testing.T) {
	for _, kind := range []string{KindBolt, KindSQLite} {
		kind := kind
		Convey("Given a fresh "+kind+" backend", t, func() {
			dir, err := os.MkdirTemp("", "wmq_backend_test")
			So(err, ShouldBeNil)
			defer os.RemoveAll(dir)

			b, err := Open(Config{Kind: kind, Path: filepath.Join(dir, "wq.db"), PageSize: 3})
			So(err, ShouldBeNil)
			defer b.Close()
			ctx := context.Background()

			Convey("Insert assigns IDs and Get returns copies", func() {
				e := newTestElement("req1", 0)
				stored, err := b.Insert(ctx, e)
				So(err, ShouldBeNil)
				So(stored.ID, ShouldNotBeBlank)
				So(stored.Status, ShouldEqual, element.Available)
				So(stored.Version, ShouldEqual, 1)
				So(e.ID, ShouldBeBlank)

				got, err := b.Get(ctx, stored.ID)
				So(err, ShouldBeNil)
				So(got.RequestName, ShouldEqual, "req1")
				So(got.Inputs, ShouldResemble, stored.Inputs)
				So(got.InsertTime.Equal(stored.InsertTime), ShouldBeTrue)

				_, err = b.Get(ctx, "missing")
				So(errors.Is(err, ErrNotFound), ShouldBeTrue)
			})

			Convey("Invalid elements can't be inserted", func() {
				e := newTestElement("req1", 0)
				e.Jobs = 0
				_, err := b.Insert(ctx, e)
				So(errors.Is(err, element.ErrValidation), ShouldBeTrue)
			})

			Convey("Elements with the same natural key are duplicates", func() {
				_, err := b.Insert(ctx, newTestElement("req1", 0))
				So(err, ShouldBeNil)
				_, err = b.Insert(ctx, newTestElement("req1", 0))
				So(errors.Is(err, ErrDuplicate), ShouldBeTrue)

				_, err = b.Insert(ctx, newTestElement("req1", 5))
				So(err, ShouldBeNil)

				results := b.BulkInsert(ctx, []*element.Element{newTestElement("req1", 10), newTestElement("req1", 0)})
				So(len(results), ShouldEqual, 2)
				So(results[0].Err, ShouldBeNil)
				So(results[0].Element, ShouldNotBeNil)
				So(errors.Is(results[1].Err, ErrDuplicate), ShouldBeTrue)
			})

			Convey("UpdateStatus is a compare-and-swap", func() {
				stored, err := b.Insert(ctx, newTestElement("req1", 0))
				So(err, ShouldBeNil)

				updated, err := b.UpdateStatus(ctx, stored.ID, element.Available, element.Negotiating, func(e *element.Element) error {
					e.ChildQueueURL = "http://child1"
					e.Site = "SiteA"
					return nil
				})
				So(err, ShouldBeNil)
				So(updated.Status, ShouldEqual, element.Negotiating)
				So(updated.ChildQueueURL, ShouldEqual, "http://child1")
				So(updated.Version, ShouldEqual, 2)

				_, err = b.UpdateStatus(ctx, stored.ID, element.Available, element.Negotiating, nil)
				So(errors.Is(err, ErrConflict), ShouldBeTrue)

				_, err = b.UpdateStatus(ctx, stored.ID, element.Negotiating, element.Done, nil)
				So(errors.Is(err, element.ErrInvalidTransition), ShouldBeTrue)

				_, err = b.UpdateStatus(ctx, "missing", element.Available, element.Negotiating, nil)
				So(errors.Is(err, ErrNotFound), ShouldBeTrue)

				got, err := b.Get(ctx, stored.ID)
				So(err, ShouldBeNil)
				So(got.Status, ShouldEqual, element.Negotiating)
				So(got.Version, ShouldEqual, 2)

				Convey("Identity fields can't be changed and site lists are immutable", func() {
					_, err = b.UpdateStatus(ctx, stored.ID, element.Negotiating, element.Negotiating, func(e *element.Element) error {
						e.RequestName = "other"
						e.Priority = 7
						return nil
					})
					So(err, ShouldBeNil)
					got, err = b.Get(ctx, stored.ID)
					So(err, ShouldBeNil)
					So(got.RequestName, ShouldEqual, "req1")
					So(got.Priority, ShouldEqual, 7)

					_, err = b.UpdateStatus(ctx, stored.ID, element.Negotiating, element.Acquired, func(e *element.Element) error {
						e.SiteBlacklist = []string{"SiteA"}
						return nil
					})
					So(errors.Is(err, element.ErrImmutable), ShouldBeTrue)
				})

				Convey("A mutate error aborts the update", func() {
					errAbort := errors.New("not yours")
					_, err = b.UpdateStatus(ctx, stored.ID, element.Negotiating, element.Acquired, func(e *element.Element) error {
						e.Priority = 99
						return errAbort
					})
					So(errors.Is(err, errAbort), ShouldBeTrue)
					got, err = b.Get(ctx, stored.ID)
					So(err, ShouldBeNil)
					So(got.Status, ShouldEqual, element.Negotiating)
					So(got.Priority, ShouldNotEqual, 99)
					So(got.Version, ShouldEqual, 2)
				})
			})

			Convey("Concurrent claims acquire an element only once", func() {
				stored, err := b.Insert(ctx, newTestElement("req1", 0))
				So(err, ShouldBeNil)

				var wg sync.WaitGroup
				var mu sync.Mutex
				wins := 0
				conflicts := 0
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := b.UpdateStatus(ctx, stored.ID, element.Available, element.Negotiating, func(e *element.Element) error {
							e.ChildQueueURL = fmt.Sprintf("http://child%d", i)
							return nil
						})
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							wins++
						case errors.Is(err, ErrConflict):
							conflicts++
						}
					}(i)
				}
				wg.Wait()
				So(wins, ShouldEqual, 1)
				So(conflicts, ShouldEqual, 9)
			})

			Convey("BulkUpdateStatus reports per-element outcomes", func() {
				a, err := b.Insert(ctx, newTestElement("req1", 0))
				So(err, ShouldBeNil)
				c, err := b.Insert(ctx, newTestElement("req1", 5))
				So(err, ShouldBeNil)

				results := b.BulkUpdateStatus(ctx, []Update{
					{ID: a.ID, Expected: element.Available, Status: element.Negotiating},
					{ID: c.ID, Expected: element.Running, Status: element.Done},
				})
				So(results[0].Err, ShouldBeNil)
				So(errors.Is(results[1].Err, ErrConflict), ShouldBeTrue)
			})

			Convey("Query pages through filtered elements and can be reset", func() {
				for i := 0; i < 8; i++ {
					_, err := b.Insert(ctx, newTestElement("req1", i*5))
					So(err, ShouldBeNil)
				}
				other, err := b.Insert(ctx, newTestElement("req2", 0))
				So(err, ShouldBeNil)
				_, err = b.UpdateStatus(ctx, other.ID, element.Available, element.Negotiating, nil)
				So(err, ShouldBeNil)

				it := b.Query(ctx, Filter{Statuses: []element.Status{element.Available}})
				es, err := Collect(it)
				So(err, ShouldBeNil)
				So(len(es), ShouldEqual, 8)
				for i := 1; i < len(es); i++ {
					So(es[i-1].ID, ShouldBeLessThan, es[i].ID)
				}

				it.Reset()
				es, err = Collect(it)
				So(err, ShouldBeNil)
				So(len(es), ShouldEqual, 8)

				es, err = Collect(b.Query(ctx, Filter{RequestName: "req2"}))
				So(err, ShouldBeNil)
				So(len(es), ShouldEqual, 1)
				So(es[0].ID, ShouldEqual, other.ID)

				es, err = Collect(b.Query(ctx, Filter{Site: "SiteA", Statuses: []element.Status{element.Available}}))
				So(err, ShouldBeNil)
				So(len(es), ShouldEqual, 8)

				es, err = Collect(b.Query(ctx, Filter{Site: "SiteZ"}))
				So(err, ShouldBeNil)
				So(len(es), ShouldEqual, 0)

				Convey("Quarantined elements are hidden unless asked for", func() {
					_, err = b.UpdateStatus(ctx, other.ID, element.Negotiating, element.Negotiating, func(e *element.Element) error {
						e.Quarantined = true
						return nil
					})
					So(err, ShouldBeNil)
					es, err = Collect(b.Query(ctx, Filter{RequestName: "req2"}))
					So(err, ShouldBeNil)
					So(len(es), ShouldEqual, 0)
					es, err = Collect(b.Query(ctx, Filter{RequestName: "req2", IncludeQuarantined: true}))
					So(err, ShouldBeNil)
					So(len(es), ShouldEqual, 1)
				})

				Convey("A cancelled context stops iteration", func() {
					cctx, cancel := context.WithCancel(ctx)
					cancel()
					_, err = Collect(b.Query(cctx, Filter{}))
					So(errors.Is(err, context.Canceled), ShouldBeTrue)
				})
			})

			Convey("Delete removes elements and frees their keys", func() {
				stored, err := b.Insert(ctx, newTestElement("req1", 0))
				So(err, ShouldBeNil)
				So(b.Delete(ctx, stored.ID, "missing"), ShouldBeNil)
				_, err = b.Get(ctx, stored.ID)
				So(errors.Is(err, ErrNotFound), ShouldBeTrue)
				_, err = b.Insert(ctx, newTestElement("req1", 0))
				So(err, ShouldBeNil)
			})

			Convey("Archive retires old terminal elements only", func() {
				done, err := b.Insert(ctx, newTestElement("req1", 0))
				So(err, ShouldBeNil)
				live, err := b.Insert(ctx, newTestElement("req1", 5))
				So(err, ShouldBeNil)
				for _, s := range []element.Status{element.Negotiating, element.Acquired, element.Running, element.Done} {
					_, err = b.UpdateStatus(ctx, done.ID, previous(s), s, nil)
					So(err, ShouldBeNil)
				}

				n, err := b.Archive(ctx, time.Now().Add(-time.Hour))
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 0)

				n, err = b.Archive(ctx, time.Now().Add(time.Second))
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 1)

				_, err = b.Get(ctx, done.ID)
				So(errors.Is(err, ErrNotFound), ShouldBeTrue)
				_, err = b.Get(ctx, live.ID)
				So(err, ShouldBeNil)

				_, err = b.Insert(ctx, newTestElement("req1", 0))
				So(err, ShouldBeNil)
			})

			Convey("Requests can be stored and retrieved", func() {
				r := &Request{
					Name:     "req1",
					Team:     "production",
					Priority: 5,
					Tasks:    map[string]*TaskProgress{"Processing": {Split: []string{"/A/B/C#1"}, Open: []string{"/A/B/C#2"}}},
				}
				So(b.PutRequest(ctx, r), ShouldBeNil)

				got, err := b.GetRequest(ctx, "req1")
				So(err, ShouldBeNil)
				So(got.Team, ShouldEqual, "production")
				So(got.IsSplit("Processing", "/A/B/C#1"), ShouldBeTrue)
				So(got.IsSplit("Processing", "/A/B/C#2"), ShouldBeFalse)
				So(got.Outstanding(), ShouldBeTrue)

				got.Tasks["Processing"].Open = nil
				got.Canceled = true
				So(b.PutRequest(ctx, got), ShouldBeNil)
				got, err = b.GetRequest(ctx, "req1")
				So(err, ShouldBeNil)
				So(got.Canceled, ShouldBeTrue)
				So(got.Outstanding(), ShouldBeFalse)

				So(b.PutRequest(ctx, &Request{Name: "req2"}), ShouldBeNil)
				all, err := b.Requests(ctx)
				So(err, ShouldBeNil)
				So(len(all), ShouldEqual, 2)

				_, err = b.GetRequest(ctx, "missing")
				So(errors.Is(err, ErrNotFound), ShouldBeTrue)
			})
		})
	}

	Convey("Unknown kinds can't be opened", t, func() {
		_, err := Open(Config{Kind: "mongo"})
		So(errors.Is(err, ErrUnknownKind), ShouldBeTrue)
	})

	Convey("A closed bolt backend is unavailable", t, func() {
		dir, err := os.MkdirTemp("", "wmq_backend_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		b, err := OpenBolt(filepath.Join(dir, "wq.db"), 0)
		So(err, ShouldBeNil)
		So(b.Close(), ShouldBeNil)

		_, err = b.Get(context.Background(), "id")
		So(IsTransient(err), ShouldBeTrue)
	})
}

func previous(s element.Status) element.Status {
	switch s {
	case element.Negotiating:
		return element.Available
	case element.Acquired:
		return element.Negotiating
	case element.Running:
		return element.Acquired
	}
	return element.Running
}
