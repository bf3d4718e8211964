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

package workqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/catalog"
	"github.com/dmwm/workqueue/element"
	. "github.com/smartystreets/goconvey/convey"
)

func TestGetWork(t *testing.T) {
	ctx := context.Background()

	Convey("Given a queue with 2 elements at SiteA", t, func() {
		dir, err := os.MkdirTemp("", "wmq_workqueue_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		tq, err := newTestQueue(dir, "global", Config{URL: globalURL})
		So(err, ShouldBeNil)
		defer tq.close()

		tq.cat.Set(testDataset, catalog.Block{Name: testDataset + "#1", Files: 10, Locations: []string{"SiteA"}})
		tq.specs.Add(testWorkflow("req1"))
		n, err := tq.QueueWork(ctx, "req1", "production")
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 2)

		Convey("GetWork for 1 slot at SiteA acquires 1 element", func() {
			got, err := tq.GetWork(ctx, WorkRequest{ChildQueueURL: childURL, Offer: element.Offer{"SiteA": 1}})
			So(err, ShouldBeNil)
			So(len(got), ShouldEqual, 1)
			So(got[0].Status, ShouldEqual, element.Acquired)
			So(got[0].ChildQueueURL, ShouldEqual, childURL)
			So(got[0].Site, ShouldEqual, "SiteA")

			stored, err := tq.b.Get(ctx, got[0].ID)
			So(err, ShouldBeNil)
			So(stored.Status, ShouldEqual, element.Acquired)

			usage, err := tq.SiteUsage(ctx, childURL)
			So(err, ShouldBeNil)
			So(usage, ShouldResemble, map[string]int{"SiteA": 1})

			Convey("The same offer again matches nothing new", func() {
				got2, err := tq.GetWork(ctx, WorkRequest{ChildQueueURL: childURL, Offer: element.Offer{"SiteA": 1}})
				So(err, ShouldBeNil)
				So(got2, ShouldBeEmpty)
				So(tq.statuses(ctx)[element.Available], ShouldEqual, 1)

				Convey("But a bigger offer gets the other, then nothing is left", func() {
					got3, err := tq.GetWork(ctx, WorkRequest{ChildQueueURL: childURL, Offer: element.Offer{"SiteA": 2}})
					So(err, ShouldBeNil)
					So(len(got3), ShouldEqual, 1)
					So(got3[0].ID, ShouldNotEqual, got[0].ID)

					got4, err := tq.GetWork(ctx, WorkRequest{ChildQueueURL: childURL, Offer: element.Offer{"SiteA": 5}})
					So(err, ShouldBeNil)
					So(got4, ShouldBeEmpty)
				})

				Convey("Another child with the same offer still gets the other", func() {
					got3, err := tq.GetWork(ctx, WorkRequest{ChildQueueURL: otherURL, Offer: element.Offer{"SiteA": 1}})
					So(err, ShouldBeNil)
					So(len(got3), ShouldEqual, 1)
					So(got3[0].ID, ShouldNotEqual, got[0].ID)
				})
			})

			Convey("Once the held work finishes its slot is free again", func() {
				_, err := tq.Synchronize(ctx, childURL, []Report{{ElementID: got[0].ID, Status: element.Done, JobsDone: 1}})
				So(err, ShouldBeNil)

				usage, err := tq.SiteUsage(ctx, childURL)
				So(err, ShouldBeNil)
				So(usage, ShouldBeEmpty)

				got2, err := tq.GetWork(ctx, WorkRequest{ChildQueueURL: childURL, Offer: element.Offer{"SiteA": 1}})
				So(err, ShouldBeNil)
				So(len(got2), ShouldEqual, 1)
				So(got2[0].ID, ShouldNotEqual, got[0].ID)
			})

			Convey("Held work at one site doesn't use up slots offered at another", func() {
				wf := testWorkflow("req2")
				wf.Tasks[0].InputDataset = "/Other/B/C"
				tq.cat.Set("/Other/B/C", catalog.Block{Name: "/Other/B/C#1", Files: 5, Locations: []string{"SiteB"}})
				_, err := tq.QueueWorkflow(ctx, wf, "")
				So(err, ShouldBeNil)

				got2, err := tq.GetWork(ctx, WorkRequest{ChildQueueURL: childURL, Offer: element.Offer{"SiteA": 1, "SiteB": 1}})
				So(err, ShouldBeNil)
				So(len(got2), ShouldEqual, 1)
				So(got2[0].Site, ShouldEqual, "SiteB")
			})
		})

		Convey("Sites without the data, other teams and empty offers get nothing", func() {
			got, err := tq.GetWork(ctx, WorkRequest{ChildQueueURL: childURL, Offer: element.Offer{"SiteB": 10}})
			So(err, ShouldBeNil)
			So(got, ShouldBeEmpty)

			got, err = tq.GetWork(ctx, WorkRequest{ChildQueueURL: childURL, Team: "other", Offer: element.Offer{"SiteA": 10}})
			So(err, ShouldBeNil)
			So(got, ShouldBeEmpty)

			got, err = tq.GetWork(ctx, WorkRequest{ChildQueueURL: childURL, Offer: element.Offer{}})
			So(err, ShouldBeNil)
			So(got, ShouldBeEmpty)
			So(tq.statuses(ctx)[element.Available], ShouldEqual, 2)
		})

		Convey("A child URL is required", func() {
			_, err := tq.GetWork(ctx, WorkRequest{Offer: element.Offer{"SiteA": 1}})
			So(errors.Is(err, ErrNoChild), ShouldBeTrue)
		})

		Convey("Higher priority work is handed out first", func() {
			wf := testWorkflow("urgent")
			wf.Priority = 1000
			tq.cat.Set("/Urgent/B/C", catalog.Block{Name: "/Urgent/B/C#1", Files: 5, Locations: []string{"SiteA"}})
			wf.Tasks[0].InputDataset = "/Urgent/B/C"
			_, err := tq.QueueWorkflow(ctx, wf, "")
			So(err, ShouldBeNil)

			got, err := tq.GetWork(ctx, WorkRequest{ChildQueueURL: childURL, Offer: element.Offer{"SiteA": 1}})
			So(err, ShouldBeNil)
			So(len(got), ShouldEqual, 1)
			So(got[0].RequestName, ShouldEqual, "urgent")
		})

		Convey("Concurrent children never acquire the same element", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			acquired := make(map[string]string)
			dups := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(child string) {
					defer wg.Done()
					got, errg := tq.GetWork(ctx, WorkRequest{ChildQueueURL: child, Offer: element.Offer{"SiteA": 2}})
					if errg != nil {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					for _, e := range got {
						if _, exists := acquired[e.ID]; exists {
							dups++
						}
						acquired[e.ID] = child
					}
				}(fmt.Sprintf("http://child%d.test", i))
			}
			wg.Wait()
			So(dups, ShouldEqual, 0)
			So(len(acquired), ShouldEqual, 2)

			for id, child := range acquired {
				e, err := tq.b.Get(ctx, id)
				So(err, ShouldBeNil)
				So(e.Status, ShouldEqual, element.Acquired)
				So(e.ChildQueueURL, ShouldEqual, child)
			}
		})

		Convey("Reserve leaves elements Negotiating until acknowledged", func() {
			reserved, err := tq.Reserve(ctx, WorkRequest{ChildQueueURL: childURL, Offer: element.Offer{"SiteA": 1}})
			So(err, ShouldBeNil)
			So(len(reserved), ShouldEqual, 1)
			So(reserved[0].Status, ShouldEqual, element.Negotiating)
			id := reserved[0].ID

			Convey("Only the reserving child can acknowledge", func() {
				res, err := tq.Acknowledge(ctx, otherURL, []string{id})
				So(err, ShouldBeNil)
				So(res.Acquired, ShouldBeEmpty)
				So(len(res.Rejected), ShouldEqual, 1)
				So(res.Rejected[0].Kind, ShouldEqual, RejectNotOwner)

				e, err := tq.b.Get(ctx, id)
				So(err, ShouldBeNil)
				So(e.Status, ShouldEqual, element.Negotiating)

				res, err = tq.Acknowledge(ctx, childURL, []string{id})
				So(err, ShouldBeNil)
				So(len(res.Acquired), ShouldEqual, 1)

				Convey("Acknowledging again succeeds again", func() {
					res, err = tq.Acknowledge(ctx, childURL, []string{id})
					So(err, ShouldBeNil)
					So(len(res.Acquired), ShouldEqual, 1)
					So(res.Rejected, ShouldBeEmpty)
				})
			})

			Convey("Unknown elements are rejected as not found", func() {
				res, err := tq.Acknowledge(ctx, childURL, []string{"nope"})
				So(err, ShouldBeNil)
				So(len(res.Rejected), ShouldEqual, 1)
				So(res.Rejected[0].Kind, ShouldEqual, RejectNotFound)
			})

			Convey("Expired reservations are rolled back by housekeeping", func() {
				tq.clock.Advance(defaultNegotiationTimeout - time.Minute)
				rolled, err := tq.RollbackNegotiations(ctx)
				So(err, ShouldBeNil)
				So(rolled, ShouldEqual, 0)

				tq.clock.Advance(2 * time.Minute)
				err = tq.Housekeep(ctx)
				So(err, ShouldBeNil)

				e, err := tq.b.Get(ctx, id)
				So(err, ShouldBeNil)
				So(e.Status, ShouldEqual, element.Available)
				So(e.ChildQueueURL, ShouldBeBlank)
				So(e.Site, ShouldBeBlank)

				res, err := tq.Acknowledge(ctx, childURL, []string{id})
				So(err, ShouldBeNil)
				So(len(res.Rejected), ShouldEqual, 1)
				So(res.Rejected[0].Kind, ShouldEqual, RejectConflict)
			})
		})

		Convey("Status filters with CEL expressions", func() {
			_, err := tq.GetWork(ctx, WorkRequest{ChildQueueURL: childURL, Offer: element.Offer{"SiteA": 1}})
			So(err, ShouldBeNil)

			es, err := tq.Status(ctx, backend.Filter{}, `status == "Acquired" && site == "SiteA"`)
			So(err, ShouldBeNil)
			So(len(es), ShouldEqual, 1)

			es, err = tq.Status(ctx, backend.Filter{}, `"SiteA" in locations && files == 5`)
			So(err, ShouldBeNil)
			So(len(es), ShouldEqual, 2)

			_, err = tq.Status(ctx, backend.Filter{}, `files + `)
			So(errors.Is(err, ErrBadFilter), ShouldBeTrue)

			_, err = tq.Status(ctx, backend.Filter{}, `files`)
			So(errors.Is(err, ErrBadFilter), ShouldBeTrue)
		})
	})
}
