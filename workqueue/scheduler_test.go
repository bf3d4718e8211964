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
	"sync/atomic"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	. "github.com/smartystreets/goconvey/convey"
)

func TestScheduler(t *testing.T) {
	logger := log15.New()
	logger.SetHandler(log15.DiscardHandler())

	Convey("A scheduler runs tasks straight away and then periodically", t, func() {
		s := NewScheduler(logger)
		var runs, failures, panics, never int64
		s.Add("count", 10*time.Millisecond, func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		})
		s.Add("fail", 10*time.Millisecond, func(ctx context.Context) error {
			atomic.AddInt64(&failures, 1)
			return errors.New("failed")
		})
		s.Add("panic", 10*time.Millisecond, func(ctx context.Context) error {
			atomic.AddInt64(&panics, 1)
			panic("oops")
		})
		s.Add("disabled", 0, func(ctx context.Context) error {
			atomic.AddInt64(&never, 1)
			return nil
		})
		s.Start()
		<-time.After(100 * time.Millisecond)
		s.Stop()

		So(atomic.LoadInt64(&runs), ShouldBeGreaterThanOrEqualTo, 2)
		So(atomic.LoadInt64(&failures), ShouldBeGreaterThanOrEqualTo, 2)
		So(atomic.LoadInt64(&panics), ShouldBeGreaterThanOrEqualTo, 2)
		So(atomic.LoadInt64(&never), ShouldEqual, 0)

		Convey("Nothing runs after Stop", func() {
			stopped := atomic.LoadInt64(&runs)
			<-time.After(50 * time.Millisecond)
			So(atomic.LoadInt64(&runs), ShouldEqual, stopped)
		})
	})

	Convey("Stop cancels the context of a running task", t, func() {
		s := NewScheduler(logger)
		started := make(chan bool)
		canceled := make(chan bool)
		s.Add("slow", time.Hour, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(canceled)
			return ctx.Err()
		})
		s.Start()
		<-started
		s.Stop()
		select {
		case <-canceled:
		case <-time.After(5 * time.Second):
		}
		So(s.ctx.Err(), ShouldNotBeNil)
	})
}
