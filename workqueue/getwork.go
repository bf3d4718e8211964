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

// This file contains the code for handing out work to child queues.

import (
	"context"
	"errors"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/element"
	"github.com/dmwm/workqueue/matcher"
)

// Rejection kinds, saying why we refused an element or report.
const (
	RejectNotFound   = "not_found"
	RejectNotOwner   = "not_owner"
	RejectConflict   = "conflict"
	RejectTransition = "invalid_transition"
	RejectInvalid    = "invalid"
	RejectError      = "error"
)

// WorkRequest is a child queue asking for work.
type WorkRequest struct {
	ChildQueueURL string        `json:"child_queue_url"`
	Team          string        `json:"team,omitempty"`
	Offer         element.Offer `json:"resource_offer"`
}

// Rejection is an element we refused to act on, and why.
type Rejection struct {
	ElementID string `json:"element_id"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
}

// AckResult is the outcome of Acknowledge().
type AckResult struct {
	Acquired []*element.Element `json:"acquired"`
	Rejected []Rejection        `json:"rejected,omitempty"`
}

// rejection classifies the error that made us refuse the given element.
func rejection(id string, err error) Rejection {
	kind := RejectError
	switch {
	case errors.Is(err, backend.ErrNotFound):
		kind = RejectNotFound
	case errors.Is(err, ErrNotOwner):
		kind = RejectNotOwner
	case errors.Is(err, backend.ErrConflict):
		kind = RejectConflict
	case errors.Is(err, element.ErrInvalidTransition):
		kind = RejectTransition
	case errors.Is(err, element.ErrValidation), errors.Is(err, element.ErrImmutable):
		kind = RejectInvalid
	}
	reportsRejectedTotal.WithLabelValues(kind).Inc()
	return Rejection{ElementID: id, Kind: kind, Reason: err.Error()}
}

// heldStatuses are the statuses of elements that take up slots of the child
// holding them.
var heldStatuses = []element.Status{element.Negotiating, element.Acquired, element.Running, element.CancelRequested}

// Reserve matches our Available elements against the child's offer and moves
// those matched to Negotiating, recording the child and site. The offer is the
// child's slots per site: the slots needed by work the child already holds
// from us are taken off it first, so the same offer made again before any of
// that work finishes matches nothing new. Elements are considered in priority
// order (with aging), then oldest first. An element another queue reserves
// first is skipped without using up slots.
//
// The child must then Acknowledge() the elements, or housekeeping will return
// them to Available once the negotiation timeout passes.
func (q *WorkQueue) Reserve(ctx context.Context, wr WorkRequest) ([]*element.Element, error) {
	if wr.ChildQueueURL == "" {
		return nil, Error{Op: "Reserve", Item: "", Err: ErrNoChild}
	}
	if wr.Offer.Total() == 0 {
		return nil, nil
	}

	usage, err := q.SiteUsage(ctx, wr.ChildQueueURL)
	if err != nil {
		return nil, err
	}
	offer := wr.Offer.Copy()
	for site, used := range usage {
		if _, offered := offer[site]; !offered {
			continue
		}
		offer[site] -= used
		if offer[site] < 0 {
			offer[site] = 0
		}
	}
	if offer.Total() == 0 {
		q.Debug("child has no slots left", "child", wr.ChildQueueURL, "held", usage)
		return nil, nil
	}

	available, err := q.collect(ctx, "Reserve", backend.Filter{
		Statuses: []element.Status{element.Available},
		Team:     wr.Team,
		Inbox:    backend.InboxExcluded,
	})
	if err != nil {
		return nil, err
	}

	now := q.now()
	matcher.Order(available, q.ager, now)

	var failed error
	matches, remaining := matcher.Greedy(available, offer, func(e *element.Element, site string) (*element.Element, bool) {
		if failed != nil {
			return nil, false
		}
		claimed, erru := q.update(ctx, "Reserve", e.ID, element.Available, element.Negotiating, func(c *element.Element) error {
			c.ChildQueueURL = wr.ChildQueueURL
			c.Site = site
			c.NegotiationStart = now
			return nil
		})
		switch {
		case erru == nil:
			return claimed, true
		case errors.Is(erru, backend.ErrConflict), errors.Is(erru, backend.ErrNotFound):
			conflictsTotal.WithLabelValues("Reserve").Inc()
			q.Debug("element taken before we could reserve it", "id", e.ID, "child", wr.ChildQueueURL)
		default:
			failed = erru
		}
		return nil, false
	})

	reserved := make([]*element.Element, len(matches))
	for i, m := range matches {
		reserved[i] = m.Element
	}

	if failed != nil {
		q.Error("reservation stopped early", "child", wr.ChildQueueURL, "reserved", len(reserved), "err", failed)
		if len(reserved) == 0 {
			return nil, failed
		}
	}

	if len(reserved) > 0 {
		q.Info("reserved work", "child", wr.ChildQueueURL, "elements", len(reserved), "slots_left", remaining.Total())
	}
	return reserved, nil
}

// Acknowledge commits the child's reservation of the given elements, moving
// them from Negotiating to Acquired. Elements the child did not reserve, or
// that are no longer Negotiating, are rejected. Acknowledging an element the
// child already acquired succeeds again, so acks may be retried.
func (q *WorkQueue) Acknowledge(ctx context.Context, child string, ids []string) (*AckResult, error) {
	if child == "" {
		return nil, Error{Op: "Acknowledge", Item: "", Err: ErrNoChild}
	}

	res := &AckResult{}
	for _, id := range ids {
		e, err := q.update(ctx, "Acknowledge", id, element.Negotiating, element.Acquired, func(c *element.Element) error {
			if c.ChildQueueURL != child {
				return Error{Op: "Acknowledge", Item: id, Err: ErrNotOwner}
			}
			return nil
		})

		if errors.Is(err, backend.ErrConflict) {
			current, errg := q.get(ctx, "Acknowledge", id)
			if errg == nil && current.Status == element.Acquired && current.ChildQueueURL == child {
				e, err = current, nil
			}
		}

		switch {
		case err == nil:
			res.Acquired = append(res.Acquired, e)
		case errors.Is(err, ErrDegraded), ctx.Err() != nil:
			return res, err
		default:
			rej := rejection(id, err)
			q.Warn("rejected acknowledgement", "id", id, "child", child, "kind", rej.Kind, "err", err)
			res.Rejected = append(res.Rejected, rej)
		}
	}

	if len(res.Acquired) > 0 {
		q.Info("work acquired", "child", child, "elements", len(res.Acquired))
	}
	return res, nil
}

// SiteUsage returns the slots needed per site by the work the given child
// holds from us.
func (q *WorkQueue) SiteUsage(ctx context.Context, child string) (map[string]int, error) {
	held, err := q.collect(ctx, "SiteUsage", backend.Filter{
		Statuses:           heldStatuses,
		ChildQueueURL:      child,
		Inbox:              backend.InboxExcluded,
		IncludeQuarantined: true,
	})
	if err != nil {
		return nil, err
	}

	usage := make(map[string]int)
	for _, e := range held {
		if e.Site == "" {
			continue
		}
		usage[e.Site] += e.RequiredSlots()
	}
	return usage, nil
}

// GetWork is Reserve() followed immediately by Acknowledge(), for children
// that receive the elements in the same call, returning the elements now
// Acquired by the child. Acquired elements are never rolled back, so a child
// that could lose the result (eg. over the network) should call Reserve() and
// Acknowledge() itself.
func (q *WorkQueue) GetWork(ctx context.Context, wr WorkRequest) ([]*element.Element, error) {
	reserved, err := q.Reserve(ctx, wr)
	if err != nil || len(reserved) == 0 {
		return nil, err
	}

	ids := make([]string, len(reserved))
	for i, e := range reserved {
		ids[i] = e.ID
	}
	res, err := q.Acknowledge(ctx, wr.ChildQueueURL, ids)
	if res == nil {
		return nil, err
	}
	return res.Acquired, err
}
