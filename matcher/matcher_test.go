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

package matcher

import (
	"testing"
	"time"

	"github.com/dmwm/workqueue/element"
	. "github.com/smartystreets/goconvey/convey"
)

func testElement(id string, priority, jobs int, inserted time.Time, locations ...string) *element.Element {
	return &element.Element{
		ID:          id,
		RequestName: "req1",
		TaskName:    "Processing",
		Status:      element.Available,
		Priority:    priority,
		Jobs:        jobs,
		Locations:   locations,
		InsertTime:  inserted,
		Inputs:      []element.Input{{Block: id}},
	}
}

func ids(matches []Match) []string {
	var s []string
	for _, m := range matches {
		s = append(s, m.Element.ID)
	}
	return s
}

func TestOrder(t *testing.T) {
	now := time.Now()

	Convey("Higher priority wins, then the oldest, then by ID", t, func() {
		es := []*element.Element{
			testElement("c", 1, 1, now.Add(-time.Minute)),
			testElement("b", 1, 1, now.Add(-time.Hour)),
			testElement("a", 1, 1, now.Add(-time.Minute)),
			testElement("d", 5, 1, now),
		}
		Order(es, nil, now)
		So([]string{es[0].ID, es[1].ID, es[2].ID, es[3].ID}, ShouldResemble, []string{"d", "b", "a", "c"})
	})

	Convey("Aging lets old work overtake higher priority work, up to a cap", t, func() {
		old := testElement("old", 1, 1, now.Add(-10*time.Hour))
		young := testElement("young", 5, 1, now)

		es := []*element.Element{young, old}
		Order(es, LinearAging{PerHour: 1}, now)
		So(es[0].ID, ShouldEqual, "old")

		es = []*element.Element{young, old}
		Order(es, LinearAging{PerHour: 1, Max: 2}, now)
		So(es[0].ID, ShouldEqual, "young")

		So(LinearAging{}.Effective(old, now), ShouldEqual, 1)
		So(LinearAging{PerHour: 0.5, Max: 100}.Effective(old, now), ShouldAlmostEqual, 6, 0.01)
	})
}

func TestGreedy(t *testing.T) {
	now := time.Now()

	Convey("Given ordered elements and an offer", t, func() {
		es := []*element.Element{
			testElement("e1", 10, 2, now, "SiteA"),
			testElement("e2", 9, 3, now, "SiteA", "SiteB"),
			testElement("e3", 8, 1, now, "SiteA"),
			testElement("e4", 7, 1, now, "SiteC"),
		}
		offer := element.Offer{"SiteA": 3, "SiteB": 2}

		Convey("Matching is a single greedy pass", func() {
			matches, remaining := Greedy(es, offer, nil)
			So(ids(matches), ShouldResemble, []string{"e1", "e3"})
			So(matches[0].Site, ShouldEqual, "SiteA")
			So(remaining, ShouldResemble, element.Offer{"SiteA": 0, "SiteB": 2})
			So(offer, ShouldResemble, element.Offer{"SiteA": 3, "SiteB": 2})
		})

		Convey("Matching is deterministic", func() {
			first, _ := Greedy(es, offer, nil)
			for i := 0; i < 10; i++ {
				again, _ := Greedy(es, offer, nil)
				So(ids(again), ShouldResemble, ids(first))
			}
		})

		Convey("Refused claims don't use up slots", func() {
			matches, remaining := Greedy(es, offer, func(e *element.Element, site string) (*element.Element, bool) {
				if e.ID == "e1" {
					return nil, false
				}
				c := e.Clone()
				c.Site = site
				return c, true
			})
			So(ids(matches), ShouldResemble, []string{"e2"})
			So(matches[0].Element.Site, ShouldEqual, "SiteA")
			So(remaining, ShouldResemble, element.Offer{"SiteA": 0, "SiteB": 2})
		})

		Convey("A single slot matches a single element", func() {
			matches, _ := Greedy(es, element.Offer{"SiteA": 1}, nil)
			So(ids(matches), ShouldResemble, []string{"e3"})
		})

		Convey("Empty offers match nothing", func() {
			matches, _ := Greedy(es, element.Offer{}, nil)
			So(matches, ShouldBeEmpty)
		})
	})
}
