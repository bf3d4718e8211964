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

// This file contains the code for turning requests in to elements.

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/catalog"
	"github.com/dmwm/workqueue/element"
	"github.com/dmwm/workqueue/internal"
	"github.com/dmwm/workqueue/policy"
	"github.com/dmwm/workqueue/wmspec"
	multierror "github.com/hashicorp/go-multierror"
)

// QueueWork gets the workflow spec of the named request from our spec
// provider and queues it with QueueWorkflow().
func (q *WorkQueue) QueueWork(ctx context.Context, requestName, team string) (int, error) {
	if q.specs == nil {
		return 0, Error{Op: "QueueWork", Item: requestName, Err: fmt.Errorf("%w: no spec provider", ErrSpecValidation)}
	}

	wf, err := q.specs.Get(ctx, requestName)
	if err != nil {
		if errors.Is(err, wmspec.ErrNotFound) || errors.Is(err, wmspec.ErrInvalid) {
			err = fmt.Errorf("%w: %w", ErrSpecValidation, err)
		}
		return 0, Error{Op: "QueueWork", Item: requestName, Err: err}
	}
	return q.QueueWorkflow(ctx, wf, team)
}

// QueueWorkflow splits every task of the workflow in to elements and inserts
// them as Available, tagged with the given team (or the workflow's own team
// if blank). Parts of the input already split by an earlier call are skipped,
// so calling this again only queues blocks that have since closed or gained a
// location.
//
// It is all or nothing: if any task can't be split, or any element fails to
// insert for any reason other than it already existing, nothing is queued and
// an error is returned. Errors wrap ErrSpecValidation if the workflow or its
// input could not be resolved.
//
// Returns the number of elements queued.
func (q *WorkQueue) QueueWorkflow(ctx context.Context, wf *wmspec.Workflow, team string) (int, error) {
	if err := wf.Validate(); err != nil {
		return 0, Error{Op: "QueueWork", Item: wf.Name, Err: fmt.Errorf("%w: %w", ErrSpecValidation, err)}
	}
	if team == "" {
		team = wf.Team
	}

	req, err := q.getRequest(ctx, "QueueWork", wf.Name)
	if err != nil {
		return 0, err
	}
	if req == nil {
		req = &backend.Request{Name: wf.Name}
	}
	if req.Canceled {
		return 0, Error{Op: "QueueWork", Item: wf.Name, Err: ErrCanceled}
	}
	if req.Tasks == nil {
		req.Tasks = make(map[string]*backend.TaskProgress)
	}

	elements, results, err := q.split(ctx, wf, team, req)
	if err != nil {
		return 0, Error{Op: "QueueWork", Item: wf.Name, Err: err}
	}

	inserted, err := q.insertAll(ctx, elements)
	if err != nil {
		return 0, Error{Op: "QueueWork", Item: wf.Name, Err: err}
	}

	for task, res := range results {
		tp := req.Tasks[task]
		if tp == nil {
			tp = &backend.TaskProgress{}
			req.Tasks[task] = tp
		}
		tp.Split = internal.DedupSortStrings(append(tp.Split, res.Split...))
		tp.Pending = res.Pending
		tp.Open = res.Open
	}
	req.Team = team
	req.Priority = wf.Priority

	if err = q.putRequest(ctx, "QueueWork", req); err != nil {
		q.rollback(ctx, inserted)
		return 0, err
	}

	if len(inserted) > 0 {
		elementsQueuedTotal.Add(float64(len(inserted)))
		q.Info("queued work", "request", wf.Name, "team", team, "elements", len(inserted))
	}
	return len(inserted), nil
}

// split runs the splitting policy of every task of the workflow against the
// parts of its input not yet split, returning all the elements and each
// task's result. No element is returned unless every task split.
func (q *WorkQueue) split(ctx context.Context, wf *wmspec.Workflow, team string, req *backend.Request) ([]*element.Element, map[string]*policy.Result, error) {
	var all []*element.Element
	results := make(map[string]*policy.Result, len(wf.Tasks))
	var merr *multierror.Error
	invalid := false

	for _, task := range wf.Tasks {
		in := policy.Input{
			Workflow:       wf,
			Task:           task,
			Team:           team,
			JobsPerElement: q.jobsPerElement,
		}

		if task.IsMonteCarlo() {
			if req.IsSplit(task.Name, policy.MonteCarloMarker) {
				continue
			}
		} else {
			blocks, err := q.blocks(ctx, task.InputDataset)
			if err != nil {
				if errors.Is(err, ErrSpecValidation) {
					invalid = true
				}
				merr = multierror.Append(merr, fmt.Errorf("task %s: %w", task.Name, err))
				continue
			}
			for _, b := range blocks {
				if !req.IsSplit(task.Name, b.Name) {
					in.Blocks = append(in.Blocks, b)
				}
			}
		}

		res, err := policy.Split(in)
		if err != nil {
			invalid = true
			merr = multierror.Append(merr, err)
			continue
		}
		results[task.Name] = res
		all = append(all, res.Elements...)
	}

	if err := merr.ErrorOrNil(); err != nil {
		if invalid {
			return nil, nil, fmt.Errorf("%w: %s", ErrSpecValidation, err)
		}
		return nil, nil, err
	}
	return all, results, nil
}

// blocks asks our catalog about a dataset. Unknown datasets give an error
// wrapping ErrSpecValidation.
func (q *WorkQueue) blocks(ctx context.Context, dataset string) ([]catalog.Block, error) {
	if q.catalog == nil {
		return nil, fmt.Errorf("%w: no catalog to look up %s", ErrSpecValidation, dataset)
	}
	blocks, err := q.catalog.Blocks(ctx, dataset)
	if errors.Is(err, catalog.ErrUnknownDataset) {
		return nil, fmt.Errorf("%w: %w", ErrSpecValidation, err)
	}
	return blocks, err
}

// insertAll inserts the elements, returning the IDs of those inserted.
// Elements that already exist are skipped. On any other failure every element
// we inserted is deleted again and the error returned.
func (q *WorkQueue) insertAll(ctx context.Context, es []*element.Element) ([]string, error) {
	if len(es) == 0 {
		return nil, nil
	}

	// the backend attempts every element, so all of its successes must be
	// known before we can roll back
	results := q.backend.BulkInsert(ctx, es)
	inserted := make([]string, 0, len(es))
	for _, r := range results {
		if r.Err == nil {
			inserted = append(inserted, r.ID)
		}
	}

	for i, r := range results {
		err := r.Err
		if err == nil {
			continue
		}
		if backend.IsTransient(err) {
			e := es[i]
			err = q.retry(ctx, "QueueWork", e.RequestName, func() error {
				stored, erri := q.backend.Insert(ctx, e)
				if erri == nil {
					inserted = append(inserted, stored.ID)
				}
				return erri
			})
		}

		switch {
		case err == nil:
		case errors.Is(err, backend.ErrDuplicate):
			q.Debug("element already queued", "request", es[i].RequestName, "task", es[i].TaskName)
		default:
			q.rollback(ctx, inserted)
			return nil, err
		}
	}
	return inserted, nil
}

// rollback deletes elements we just inserted.
func (q *WorkQueue) rollback(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := q.retry(ctx, "rollback", "", func() error {
		return q.backend.Delete(ctx, ids...)
	})
	if err != nil {
		q.Error("failed to roll back inserted elements", "ids", ids, "err", err)
		return
	}
	q.Warn("rolled back inserted elements", "count", len(ids))
}
