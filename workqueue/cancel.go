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

// This file contains the code for cancelling work and querying status.

import (
	"context"
	"errors"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/element"
)

// CancelWork asks for every non-terminal element of the named request to be
// canceled, and stops the request being split any further. Elements no child
// holds (Available or still Negotiating) are Canceled straight away; the rest
// become CancelRequested, and their children are told to cancel them on their
// next Synchronize(). Inbox elements are left to follow the elements split
// from them.
//
// Returns the number of elements canceled or asked to cancel.
func (q *WorkQueue) CancelWork(ctx context.Context, requestName string) (int, error) {
	req, err := q.getRequest(ctx, "CancelWork", requestName)
	if err != nil {
		return 0, err
	}
	if req == nil {
		req = &backend.Request{Name: requestName}
	}
	if !req.Canceled {
		req.Canceled = true
		if err = q.putRequest(ctx, "CancelWork", req); err != nil {
			return 0, err
		}
	}

	es, err := q.collect(ctx, "CancelWork", backend.Filter{
		RequestName:        requestName,
		Statuses:           element.NonTerminal,
		Inbox:              backend.InboxExcluded,
		IncludeQuarantined: true,
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, e := range es {
		changed, errc := q.cancelElement(ctx, e)
		if errc != nil {
			return count, errc
		}
		if changed {
			count++
		}
	}

	if errn := q.notifyIfFinished(ctx, requestName); errn != nil {
		q.Error("could not check request completion", "request", requestName, "err", errn)
	}

	q.Info("canceled work", "request", requestName, "elements", count)
	return count, nil
}

// cancelElement moves the element to CancelRequested, and on to Canceled if
// no child holds it, re-reading it if it changes under us. Returns true if
// the element's status changed.
func (q *WorkQueue) cancelElement(ctx context.Context, e *element.Element) (bool, error) {
	changed := false
	for attempt := 0; ; attempt++ {
		if e.Status.IsTerminal() {
			return changed, nil
		}

		held := true
		if e.Status == element.Available || e.Status == element.Negotiating {
			held = false
		}
		if e.Status == element.CancelRequested {
			held = e.ChildQueueURL != ""
		}

		var err error
		if e.Status != element.CancelRequested {
			var updated *element.Element
			updated, err = q.update(ctx, "CancelWork", e.ID, e.Status, element.CancelRequested, nil)
			if err == nil {
				changed = true
				e = updated
			}
		}
		if err == nil && !held {
			_, err = q.update(ctx, "CancelWork", e.ID, element.CancelRequested, element.Canceled, nil)
			if err == nil {
				changed = true
			}
		}

		if errors.Is(err, backend.ErrConflict) && attempt < conflictRereads {
			conflictsTotal.WithLabelValues("CancelWork").Inc()
			if e, err = q.get(ctx, "CancelWork", e.ID); err != nil {
				return changed, err
			}
			continue
		}
		return changed, err
	}
}

// Status returns our elements that match the filter, further filtered by the
// given CEL expression if not blank. See newCELFilter() for the variables the
// expression can use.
func (q *WorkQueue) Status(ctx context.Context, f backend.Filter, expr string) ([]*element.Element, error) {
	cf, err := newCELFilter(expr)
	if err != nil {
		return nil, Error{Op: "Status", Item: expr, Err: err}
	}

	es, err := q.collect(ctx, "Status", f)
	if err != nil {
		return nil, err
	}
	if !cf.enabled {
		return es, nil
	}

	now := q.now()
	matched := es[:0]
	for _, e := range es {
		if cf.Match(e, now) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// Requests returns our request records.
func (q *WorkQueue) Requests(ctx context.Context) ([]*backend.Request, error) {
	var requests []*backend.Request
	err := q.retry(ctx, "Requests", "", func() error {
		var errr error
		requests, errr = q.backend.Requests(ctx)
		return errr
	})
	return requests, err
}
