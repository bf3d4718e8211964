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

// This file contains the code for applying child queue status reports.

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/element"
)

// Report is a child queue's view of one element it holds.
type Report struct {
	ElementID       string         `json:"element_id"`
	Status          element.Status `json:"status"`
	PercentComplete int            `json:"percent_complete"`
	JobsDone        int            `json:"jobs_done"`
	JobsFailed      int            `json:"jobs_failed"`
}

// SyncResult is the outcome of Synchronize().
type SyncResult struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`

	// Cancel are the elements held by the child that have been asked to
	// cancel. The child should stop working on them and report them
	// terminal.
	Cancel []string `json:"cancel,omitempty"`
}

// Synchronize applies a child queue's status reports to our elements. Each
// report moves its element along the shortest valid path to the reported
// status, via compare-and-swap, along with the reported progress. Reports are
// rejected, leaving the element unchanged, if the child does not hold the
// element or if the state graph has no path to the reported status (eg. a
// stale report for an element already terminal).
//
// A report of any terminal status for an element we were asked to cancel
// finishes the cancellation, making it Canceled.
//
// The result also lists the child's elements that it should cancel. Requests
// whose elements are now all terminal have their status sent to our Sink.
func (q *WorkQueue) Synchronize(ctx context.Context, child string, reports []Report) (*SyncResult, error) {
	if child == "" {
		return nil, Error{Op: "Synchronize", Item: "", Err: ErrNoChild}
	}

	res := &SyncResult{}
	finished := make(map[string]bool)
	for _, r := range reports {
		e, err := q.applyReport(ctx, child, r)
		switch {
		case err == nil:
			res.Accepted = append(res.Accepted, r.ElementID)
			if e.Status.IsTerminal() {
				finished[e.RequestName] = true
			}
		case errors.Is(err, ErrDegraded), ctx.Err() != nil:
			return res, err
		default:
			rej := rejection(r.ElementID, err)
			q.Warn("rejected report", "id", r.ElementID, "child", child, "status", r.Status, "kind", rej.Kind, "err", err)
			res.Rejected = append(res.Rejected, rej)
		}
	}

	held, err := q.collect(ctx, "Synchronize", backend.Filter{
		Statuses:           []element.Status{element.CancelRequested},
		ChildQueueURL:      child,
		IncludeQuarantined: true,
	})
	if err != nil {
		return res, err
	}
	for _, e := range held {
		res.Cancel = append(res.Cancel, e.ID)
	}

	for request := range finished {
		if errn := q.notifyIfFinished(ctx, request); errn != nil {
			q.Error("could not check request completion", "request", request, "err", errn)
		}
	}

	q.Debug("synchronized", "child", child, "accepted", len(res.Accepted), "rejected", len(res.Rejected), "cancel", len(res.Cancel))
	return res, nil
}

// applyReport applies one report, re-reading and re-deciding if the element
// changes under us, up to conflictRereads times.
func (q *WorkQueue) applyReport(ctx context.Context, child string, r Report) (*element.Element, error) {
	if !r.Status.Valid() {
		return nil, element.Error{Op: "Synchronize", Item: r.ElementID, Err: element.ErrInvalidTransition, Detail: fmt.Sprintf("unknown status %q", r.Status)}
	}

	for attempt := 0; ; attempt++ {
		e, err := q.get(ctx, "Synchronize", r.ElementID)
		if err != nil {
			return nil, err
		}
		if e.ChildQueueURL != child {
			return nil, Error{Op: "Synchronize", Item: r.ElementID, Err: ErrNotOwner}
		}

		path, err := reportPath(e.Status, r.Status)
		if err != nil {
			return nil, err
		}

		updated, err := q.stepPath(ctx, e, path, r)
		if errors.Is(err, backend.ErrConflict) && attempt < conflictRereads {
			conflictsTotal.WithLabelValues("Synchronize").Inc()
			continue
		}
		return updated, err
	}
}

// reportPath is element.ReportPath(), except that an element being canceled
// only moves on to Canceled, which it does once the child reports it
// terminal.
func reportPath(current, reported element.Status) ([]element.Status, error) {
	if current == element.CancelRequested && reported != element.CancelRequested {
		if reported.IsTerminal() {
			return []element.Status{element.Canceled}, nil
		}
		if reported == element.Acquired || reported == element.Running {
			return nil, nil
		}
	}
	return element.ReportPath(current, reported)
}

// stepPath moves the element through each status of the path in turn,
// recording the report's progress as it goes. An empty path just records
// progress.
func (q *WorkQueue) stepPath(ctx context.Context, e *element.Element, path []element.Status, r Report) (*element.Element, error) {
	progress := func(c *element.Element) error {
		c.PercentComplete = r.PercentComplete
		c.JobsDone = r.JobsDone
		c.JobsFailed = r.JobsFailed
		return nil
	}

	if len(path) == 0 {
		return q.update(ctx, "Synchronize", e.ID, e.Status, e.Status, progress)
	}

	from := e.Status
	var updated *element.Element
	for _, next := range path {
		var err error
		updated, err = q.update(ctx, "Synchronize", e.ID, from, next, progress)
		if err != nil {
			return nil, err
		}
		from = next
	}
	return updated, nil
}

// notifyIfFinished tells our Sink about the named request if all its elements
// are terminal and no more of its input remains to be split, and it hasn't
// been told already. Requests we have no record of (eg. work pulled by a local
// queue) are ignored.
func (q *WorkQueue) notifyIfFinished(ctx context.Context, name string) error {
	req, err := q.getRequest(ctx, "notify", name)
	if err != nil || req == nil || req.Notified {
		return err
	}
	if req.Outstanding() && !req.Canceled {
		return nil
	}

	es, err := q.collect(ctx, "notify", backend.Filter{RequestName: name, Inbox: backend.InboxExcluded, IncludeQuarantined: true})
	if err != nil {
		return err
	}
	statuses := make([]element.Status, 0, len(es))
	for _, e := range es {
		statuses = append(statuses, e.Status)
	}
	status := element.Aggregate(statuses)
	if len(statuses) == 0 && req.Canceled {
		status = element.Canceled
	}
	if !status.IsTerminal() {
		return nil
	}

	if q.sink != nil {
		if err = q.sink.RequestTerminal(ctx, name, status); err != nil {
			return err
		}
	}

	req.Status = status
	req.Notified = true
	if err = q.putRequest(ctx, "notify", req); err != nil {
		return err
	}
	q.Info("request finished", "request", name, "status", status)
	return nil
}
