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

// This file contains the periodic housekeeping of a WorkQueue.

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/element"
	multierror "github.com/hashicorp/go-multierror"
)

// housekeepingStep is one independent part of Housekeep().
type housekeepingStep struct {
	name string
	run  func(ctx context.Context) error
}

// Housekeep carries out each of these steps in turn:
//
//   - re-split requests with blocks that were open or had no location
//   - return expired Negotiating reservations to Available
//   - quarantine elements whose inbox parent no longer exists
//   - split newly acquired inbox elements in to local elements
//   - update inbox elements from the status of the elements split from them
//   - tell our Sink about requests that have finished
//   - archive terminal elements older than our retention period
//
// A failing (or panicking) step does not stop later steps; all errors are
// returned combined.
func (q *WorkQueue) Housekeep(ctx context.Context) error {
	started := time.Now()
	steps := []housekeepingStep{
		{"resplit", q.resplit},
		{"rollback", func(ctx context.Context) error { _, err := q.RollbackNegotiations(ctx); return err }},
		{"orphans", q.quarantineOrphans},
		{"split inbox", q.splitInbox},
		{"aggregate", q.aggregateInbox},
		{"notify", q.notifyFinished},
		{"archive", func(ctx context.Context) error { _, err := q.Archive(ctx); return err }},
	}

	var merr *multierror.Error
	for _, step := range steps {
		if err := q.runStep(ctx, step); err != nil {
			q.Error("housekeeping step failed", "step", step.name, "err", err)
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	err := merr.ErrorOrNil()
	q.recordCycle("housekeeping", started, err)
	return err
}

// runStep runs a step, turning a panic in to an error.
func (q *WorkQueue) runStep(ctx context.Context, step housekeepingStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.Crit("housekeeping step panic", "step", step.name, "err", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.run(ctx)
}

// resplit queues any newly splittable input of requests that had open or
// location-less blocks.
func (q *WorkQueue) resplit(ctx context.Context) error {
	if q.specs == nil {
		return nil
	}
	requests, err := q.Requests(ctx)
	if err != nil {
		return err
	}

	var merr *multierror.Error
	for _, req := range requests {
		if req.Canceled || !req.Outstanding() {
			continue
		}
		wf, errg := q.specs.Get(ctx, req.Name)
		if errg != nil {
			merr = multierror.Append(merr, errg)
			continue
		}
		n, errq := q.QueueWorkflow(ctx, wf, req.Team)
		if errq != nil {
			merr = multierror.Append(merr, errq)
			continue
		}
		if n > 0 {
			q.Info("re-split request", "request", req.Name, "elements", n)
		}
	}
	return merr.ErrorOrNil()
}

// RollbackNegotiations returns elements that have been Negotiating for longer
// than our negotiation timeout to Available, clearing their child and site.
// Returns the number rolled back.
func (q *WorkQueue) RollbackNegotiations(ctx context.Context) (int, error) {
	es, err := q.collect(ctx, "RollbackNegotiations", backend.Filter{
		Statuses:           []element.Status{element.Negotiating},
		Inbox:              backend.InboxExcluded,
		IncludeQuarantined: true,
	})
	if err != nil {
		return 0, err
	}

	cutoff := q.now().Add(-q.negotiationTimeout)
	count := 0
	for _, e := range es {
		if !e.NegotiationStart.Before(cutoff) {
			continue
		}
		child := e.ChildQueueURL
		_, err = q.update(ctx, "RollbackNegotiations", e.ID, element.Negotiating, element.Available, func(c *element.Element) error {
			c.ChildQueueURL = ""
			c.Site = ""
			c.NegotiationStart = time.Time{}
			return nil
		})
		switch {
		case err == nil:
			count++
			q.Warn("negotiation expired", "id", e.ID, "child", child)
		case errors.Is(err, backend.ErrConflict):
			conflictsTotal.WithLabelValues("RollbackNegotiations").Inc()
		default:
			return count, err
		}
	}
	return count, nil
}

// quarantineOrphans quarantines non-terminal elements that were split from an
// inbox element that no longer exists.
func (q *WorkQueue) quarantineOrphans(ctx context.Context) error {
	es, err := q.collect(ctx, "quarantineOrphans", backend.Filter{
		Statuses: element.NonTerminal,
		Inbox:    backend.InboxExcluded,
	})
	if err != nil {
		return err
	}

	for _, e := range es {
		if e.ParentQueueID == "" {
			continue
		}
		_, err = q.get(ctx, "quarantineOrphans", e.ParentQueueID)
		if err == nil {
			continue
		}
		if !backend.IsNotFound(err) {
			return err
		}
		if err = q.quarantine(ctx, e, "inbox element "+e.ParentQueueID+" not found"); err != nil {
			return err
		}
	}
	return nil
}

// quarantine flags the element so that it is no longer matched, for someone
// to inspect.
func (q *WorkQueue) quarantine(ctx context.Context, e *element.Element, reason string) error {
	_, err := q.update(ctx, "quarantine", e.ID, e.Status, e.Status, func(c *element.Element) error {
		c.Quarantined = true
		c.QuarantineReason = reason
		return nil
	})
	if errors.Is(err, backend.ErrConflict) {
		conflictsTotal.WithLabelValues("quarantine").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	quarantinedTotal.Inc()
	q.Warn("quarantined element", "id", e.ID, "request", e.RequestName, "reason", reason)
	return nil
}

// aggregateInbox moves each non-terminal inbox element to the aggregate
// status of the elements split from it, and sums their progress.
func (q *WorkQueue) aggregateInbox(ctx context.Context) error {
	inbox, err := q.collect(ctx, "aggregateInbox", backend.Filter{
		Statuses: []element.Status{element.Acquired, element.Running, element.CancelRequested},
		Inbox:    backend.InboxOnly,
	})
	if err != nil {
		return err
	}

	var merr *multierror.Error
	for _, parent := range inbox {
		if erra := q.aggregateOne(ctx, parent); erra != nil {
			if errors.Is(erra, ErrDegraded) {
				return erra
			}
			merr = multierror.Append(merr, erra)
		}
	}
	return merr.ErrorOrNil()
}

// aggregateOne brings one inbox element up to date with its children.
func (q *WorkQueue) aggregateOne(ctx context.Context, parent *element.Element) error {
	children, err := q.collect(ctx, "aggregateInbox", backend.Filter{
		ParentQueueID:      parent.ID,
		Inbox:              backend.InboxExcluded,
		IncludeQuarantined: true,
	})
	if err != nil || len(children) == 0 {
		return err
	}

	statuses := make([]element.Status, len(children))
	report := Report{ElementID: parent.ID}
	jobs, weighted := 0, 0
	for i, c := range children {
		statuses[i] = c.Status
		report.JobsDone += c.JobsDone
		report.JobsFailed += c.JobsFailed
		jobs += c.Jobs
		percent := c.PercentComplete
		if c.Status.IsTerminal() {
			percent = 100
		}
		weighted += percent * c.Jobs
	}
	if jobs > 0 {
		report.PercentComplete = weighted / jobs
	}
	report.Status = element.Aggregate(statuses)

	path, err := reportPath(parent.Status, report.Status)
	if err != nil {
		q.Debug("inbox element status not derivable from its children", "id", parent.ID, "status", parent.Status, "aggregate", report.Status)
		return nil
	}
	if len(path) == 0 && parent.PercentComplete == report.PercentComplete &&
		parent.JobsDone == report.JobsDone && parent.JobsFailed == report.JobsFailed {
		return nil
	}

	_, err = q.stepPath(ctx, parent, path, report)
	if errors.Is(err, backend.ErrConflict) {
		conflictsTotal.WithLabelValues("aggregateInbox").Inc()
		return nil
	}
	return err
}

// notifyFinished checks every request we have not yet reported finished.
func (q *WorkQueue) notifyFinished(ctx context.Context) error {
	requests, err := q.Requests(ctx)
	if err != nil {
		return err
	}
	var merr *multierror.Error
	for _, req := range requests {
		if req.Notified {
			continue
		}
		if errn := q.notifyIfFinished(ctx, req.Name); errn != nil {
			merr = multierror.Append(merr, errn)
		}
	}
	return merr.ErrorOrNil()
}

// Archive retires terminal elements last updated before our retention period.
// Returns the number archived.
func (q *WorkQueue) Archive(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.retention)
	var n int
	err := q.retry(ctx, "Archive", "", func() error {
		var erra error
		n, erra = q.backend.Archive(ctx, cutoff)
		return erra
	})
	if n > 0 {
		archivedTotal.Add(float64(n))
		q.Info("archived elements", "count", n)
	}
	return n, err
}
