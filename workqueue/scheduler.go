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

// This file contains the scheduler that runs a queue's periodic tasks.

import (
	"context"
	"sync"
	"time"

	"github.com/dmwm/workqueue/internal"
	"github.com/inconshreveable/log15"
)

// scheduledTask is a named function run every interval.
type scheduledTask struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// Scheduler runs tasks periodically, each in its own goroutine, so that a
// slow housekeeping run does not hold up pulling work. A task never overlaps
// with itself: if a run takes longer than its interval, the missed ticks are
// dropped.
type Scheduler struct {
	tasks   []*scheduledTask
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	log15.Logger
}

// NewScheduler returns a Scheduler that logs task failures to the given
// logger.
func NewScheduler(logger log15.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel, Logger: logger.New("scheduler", "tasks")}
}

// Add a task to be run every interval once Start() is called. Tasks with an
// interval of 0 or less are ignored, as are tasks added after Start().
func (s *Scheduler) Add(name string, interval time.Duration, run func(ctx context.Context) error) {
	if interval <= 0 || s.started {
		return
	}
	s.tasks = append(s.tasks, &scheduledTask{name: name, interval: interval, run: run})
}

// Start runs each task immediately, then every interval until Stop().
func (s *Scheduler) Start() {
	if s.started {
		return
	}
	s.started = true
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(t)
	}
}

func (s *Scheduler) loop(t *scheduledTask) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		s.runOnce(t)
		select {
		case <-ticker.C:
			continue
		case <-s.ctx.Done():
			return
		}
	}
}

// runOnce runs the task, logging errors and panics without dying.
func (s *Scheduler) runOnce(t *scheduledTask) {
	defer internal.LogPanic(s.Logger, "scheduled task "+t.name, false)

	if s.ctx.Err() != nil {
		return
	}

	started := time.Now()
	err := t.run(s.ctx)
	if err != nil && s.ctx.Err() == nil {
		s.Warn("scheduled task failed", "task", t.name, "err", err)
		return
	}
	s.Debug("scheduled task ran", "task", t.name, "took", time.Since(started))
}

// Stop cancels the context of running tasks, and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
