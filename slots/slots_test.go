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

package slots

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dmwm/workqueue/element"
	. "github.com/smartystreets/goconvey/convey"
)

func BenchmarkLimiter(b *testing.B) {
	for n := 0; n < b.N; n++ {
		l := NewFromThresholds(map[string]int{"SiteA": 5, "SiteB": 6})
		for i := 0; i < 10; i++ {
			l.Acquire("SiteA", 1)
			l.Acquire("SiteB", 1)
		}
		for i := 0; i < 6; i++ {
			l.Release("SiteA", 1)
			l.Release("SiteB", 1)
		}
		l.Offer()
	}
}

func TestLimiter(t *testing.T) {
	Convey("Given a Limiter with a callback", t, func() {
		cb := func(name string) int {
			switch name {
			case "SiteA":
				return 3
			case "SiteB":
				return 2
			}
			return -1
		}
		l := New(cb)

		Convey("Sites are learnt from the callback", func() {
			So(l.GetLimit("SiteA"), ShouldEqual, 3)
			So(l.GetLimit("SiteZ"), ShouldEqual, -1)
			So(l.GetLimits(), ShouldResemble, map[string]int{"SiteA": 3})
		})

		Convey("Acquire respects thresholds and counts by amount", func() {
			So(l.Acquire("SiteA", 2), ShouldBeTrue)
			So(l.GetRemainingCapacity("SiteA"), ShouldEqual, 1)
			So(l.Acquire("SiteA", 2), ShouldBeFalse)
			So(l.Acquire("SiteA", 1), ShouldBeTrue)
			So(l.Acquire("SiteA", 1), ShouldBeFalse)
			So(l.Acquire("SiteZ", 1), ShouldBeFalse)

			l.Release("SiteA", 5)
			So(l.GetRemainingCapacity("SiteA"), ShouldEqual, 3)
			l.Release("SiteZ", 1)
			So(l.GetRemainingCapacity("SiteZ"), ShouldEqual, -1)
		})

		Convey("Limits can be changed and removed", func() {
			So(l.Acquire("SiteB", 2), ShouldBeTrue)
			l.SetLimit("SiteB", 5)
			So(l.GetRemainingCapacity("SiteB"), ShouldEqual, 3)
			l.SetLimit("SiteB", 1)
			So(l.GetRemainingCapacity("SiteB"), ShouldEqual, 0)
			l.RemoveLimit("SiteB")
			So(l.GetRemainingCapacity("SiteB"), ShouldEqual, 2)
		})

		Convey("Offers cover every known site", func() {
			l.SetLimit("SiteC", 7)
			So(l.Acquire("SiteA", 1), ShouldBeTrue)
			l.GetLimit("SiteB")
			So(l.Offer(), ShouldResemble, element.Offer{"SiteA": 2, "SiteB": 2, "SiteC": 7})

			l.SetUsage(map[string]int{"SiteC": 10, "SiteZ": 1})
			So(l.Offer(), ShouldResemble, element.Offer{"SiteA": 3, "SiteB": 2, "SiteC": 0})
		})

		Convey("Concurrent acquires never exceed the threshold", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			acquired := 0
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if l.Acquire("SiteA", 1) {
						mu.Lock()
						acquired++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			So(acquired, ShouldEqual, 3)
		})
	})
}

func TestSources(t *testing.T) {
	ctx := context.Background()

	Convey("Static sources offer copies of fixed slots", t, func() {
		s := Static{"SiteA": 1}
		offer, err := s.Offer(ctx)
		So(err, ShouldBeNil)
		offer["SiteA"] = 0
		offer, _ = s.Offer(ctx)
		So(offer, ShouldResemble, element.Offer{"SiteA": 1})
	})

	Convey("Thresholds sources subtract current usage", t, func() {
		usage := map[string]int{"SiteA": 40}
		var usageErr error
		src := NewThresholds(NewFromThresholds(map[string]int{"SiteA": 100, "SiteB": 20}), func(ctx context.Context) (map[string]int, error) {
			return usage, usageErr
		})

		offer, err := src.Offer(ctx)
		So(err, ShouldBeNil)
		So(offer, ShouldResemble, element.Offer{"SiteA": 60, "SiteB": 20})

		usage = map[string]int{"SiteB": 25}
		offer, err = src.Offer(ctx)
		So(err, ShouldBeNil)
		So(offer, ShouldResemble, element.Offer{"SiteA": 100, "SiteB": 0})

		src.Limiter().SetLimit("SiteC", 1)
		usageErr = errors.New("down")
		_, err = src.Offer(ctx)
		So(err, ShouldEqual, usageErr)
	})

	Convey("Thresholds sources without a usage func offer what is left after Acquire()", t, func() {
		src := NewThresholds(NewFromThresholds(map[string]int{"SiteA": 3}), nil)
		offer, err := src.Offer(ctx)
		So(err, ShouldBeNil)
		So(offer, ShouldResemble, element.Offer{"SiteA": 3})

		So(src.Limiter().Acquire("SiteA", 2), ShouldBeTrue)
		offer, err = src.Offer(ctx)
		So(err, ShouldBeNil)
		So(offer, ShouldResemble, element.Offer{"SiteA": 1})
	})
}
