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

// This file contains the child side of the parent/child protocol: pulling
// work in to inbox elements, splitting them locally, and reporting their
// status back up.

import (
	"context"
	"errors"
	"time"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/element"
	"github.com/dmwm/workqueue/policy"
	"github.com/dmwm/workqueue/slots"
)

// Parent is what a local queue needs of the queue it pulls work from. It is
// implemented by *WorkQueue (for a parent in the same process) and *Client.
type Parent interface {
	Reserve(ctx context.Context, wr WorkRequest) ([]*element.Element, error)
	Acknowledge(ctx context.Context, child string, ids []string) (*AckResult, error)
	Synchronize(ctx context.Context, child string, reports []Report) (*SyncResult, error)
}

// Local is a WorkQueue that pulls work from a Parent. Work pulled is stored as
// inbox elements, each of which is split in to one local element per input,
// for our own children (the job submission agent) to get with GetWork().
type Local struct {
	*WorkQueue
	parent Parent
	slots  slots.Source
	team   string
}

// NewLocal makes a Local that pulls work for the given team (blank for any)
// from parent, asking for as much as source says we have slots for. The
// queue's URL is how we identify ourselves to the parent, so it must be set.
func NewLocal(q *WorkQueue, parent Parent, source slots.Source, team string) (*Local, error) {
	if q.url == "" {
		return nil, Error{Op: "NewLocal", Item: "", Err: ErrNoChild}
	}
	return &Local{WorkQueue: q, parent: parent, slots: source, team: team}, nil
}

// PullWork asks our parent for work matching our free slots. Matched elements
// are stored as inbox elements before being acknowledged, so nothing the
// parent thinks we hold is lost; any the parent then refuses are deleted
// again. Acquired inbox elements are split in to local elements ready for
// GetWork(). Returns the number of inbox elements acquired.
func (l *Local) PullWork(ctx context.Context) (int, error) {
	started := time.Now()
	n, err := l.pullWork(ctx)
	l.recordCycle("pull", started, err)
	return n, err
}

func (l *Local) pullWork(ctx context.Context) (int, error) {
	// acks that failed last time are retried first
	pending, err := l.collect(ctx, "PullWork", backend.Filter{
		Statuses: []element.Status{element.Negotiating},
		Inbox:    backend.InboxOnly,
	})
	if err != nil {
		return 0, err
	}

	// our parent takes off the slots of work we already hold from it
	offer, err := l.slots.Offer(ctx)
	if err != nil {
		return 0, Error{Op: "PullWork", Item: l.url, Err: err}
	}

	if offer.Total() > 0 {
		reserved, errr := l.parent.Reserve(ctx, WorkRequest{ChildQueueURL: l.url, Team: l.team, Offer: offer})
		if errr != nil {
			return 0, Error{Op: "PullWork", Item: l.url, Err: errr}
		}
		for _, pe := range reserved {
			inbox, erri := l.storeInbox(ctx, pe)
			if erri != nil {
				return 0, erri
			}
			pending = append(pending, inbox)
		}
	}

	if len(pending) == 0 {
		return 0, nil
	}
	acquired, err := l.acknowledge(ctx, pending)
	if err != nil {
		return acquired, err
	}

	if err = l.splitInbox(ctx); err != nil {
		return acquired, err
	}
	if acquired > 0 {
		l.Info("pulled work", "parent_elements", acquired)
	}
	return acquired, nil
}

// storeInbox inserts an inbox copy of an element the parent reserved for us,
// or returns the one we already have.
func (l *Local) storeInbox(ctx context.Context, pe *element.Element) (*element.Element, error) {
	inbox := pe.Clone()
	inbox.ID = ""
	inbox.Inbox = true
	inbox.ParentQueueID = pe.ID
	inbox.ChildQueueURL = ""
	inbox.Status = element.Negotiating
	inbox.NegotiationStart = l.now()
	inbox.PercentComplete, inbox.JobsDone, inbox.JobsFailed = 0, 0, 0
	inbox.ReportedStatus = ""
	inbox.Quarantined, inbox.QuarantineReason = false, ""

	var stored *element.Element
	err := l.retry(ctx, "PullWork", pe.ID, func() error {
		var erri error
		stored, erri = l.backend.Insert(ctx, inbox)
		return erri
	})
	if errors.Is(err, backend.ErrDuplicate) {
		existing, errc := l.collect(ctx, "PullWork", backend.Filter{ParentQueueID: pe.ID, Inbox: backend.InboxOnly, IncludeQuarantined: true})
		if errc != nil {
			return nil, errc
		}
		if len(existing) == 0 {
			return nil, err
		}
		return existing[0], nil
	}
	return stored, err
}

// acknowledge acks the given Negotiating inbox elements with our parent,
// moving those it accepts to Acquired and deleting those it refuses. If the
// parent can't be reached they're left as they are, to try again next time.
func (l *Local) acknowledge(ctx context.Context, inbox []*element.Element) (int, error) {
	byParent := make(map[string]*element.Element, len(inbox))
	ids := make([]string, 0, len(inbox))
	for _, e := range inbox {
		if e.Status != element.Negotiating {
			continue
		}
		byParent[e.ParentQueueID] = e
		ids = append(ids, e.ParentQueueID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := l.parent.Acknowledge(ctx, l.url, ids)
	if res == nil {
		return 0, Error{Op: "PullWork", Item: l.url, Err: err}
	}

	acquired := 0
	for _, pe := range res.Acquired {
		e := byParent[pe.ID]
		if e == nil {
			continue
		}
		_, erru := l.update(ctx, "PullWork", e.ID, element.Negotiating, element.Acquired, func(c *element.Element) error {
			c.Site = pe.Site
			return nil
		})
		if erru != nil && !errors.Is(erru, backend.ErrConflict) {
			return acquired, erru
		}
		acquired++
	}

	var refused []string
	for _, rej := range res.Rejected {
		if e := byParent[rej.ElementID]; e != nil {
			refused = append(refused, e.ID)
			l.Warn("parent refused acknowledgement", "parent_id", rej.ElementID, "kind", rej.Kind, "reason", rej.Reason)
		}
	}
	if len(refused) > 0 {
		errd := l.retry(ctx, "PullWork", "", func() error {
			return l.backend.Delete(ctx, refused...)
		})
		if errd != nil {
			return acquired, errd
		}
	}

	if err != nil {
		return acquired, Error{Op: "PullWork", Item: l.url, Err: err}
	}
	return acquired, nil
}

// splitInbox splits every Acquired inbox element that has no local elements
// yet.
func (q *WorkQueue) splitInbox(ctx context.Context) error {
	inbox, err := q.collect(ctx, "splitInbox", backend.Filter{
		Statuses: []element.Status{element.Acquired},
		Inbox:    backend.InboxOnly,
	})
	if err != nil {
		return err
	}

	for _, e := range inbox {
		children, errc := q.collect(ctx, "splitInbox", backend.Filter{ParentQueueID: e.ID, Inbox: backend.InboxExcluded, IncludeQuarantined: true})
		if errc != nil {
			return errc
		}
		if len(children) > 0 {
			continue
		}

		inserted, erri := q.insertAll(ctx, localElements(e))
		if erri != nil {
			return Error{Op: "splitInbox", Item: e.ID, Err: erri}
		}
		elementsQueuedTotal.Add(float64(len(inserted)))
		q.Debug("split inbox element", "id", e.ID, "request", e.RequestName, "elements", len(inserted))
	}
	return nil
}

// localElements splits an inbox element in to one element per input, sharing
// its size metrics and jobs out in proportion to each input's files (or
// events, if there are no files). Each may only run at the site the parent
// matched the inbox element to.
func localElements(inbox *element.Element) []*element.Element {
	n := len(inbox.Inputs)
	weights := make([]int, n)
	total := 0
	for i, in := range inbox.Inputs {
		weights[i] = in.NumFiles
		if weights[i] == 0 {
			weights[i] = in.NumEvents
		}
		total += weights[i]
	}
	if total == 0 {
		for i := range weights {
			weights[i] = 1
		}
	}

	files := policy.Apportion(inbox.NumberOfFiles, weights)
	events := policy.Apportion(inbox.NumberOfEvents, weights)
	lumis := policy.Apportion(inbox.NumberOfLumis, weights)
	jobs := policy.Apportion(inbox.Jobs, weights)

	whitelist := inbox.SiteWhitelist
	if inbox.Site != "" {
		whitelist = []string{inbox.Site}
	}

	es := make([]*element.Element, n)
	for i, in := range inbox.Inputs {
		e := &element.Element{
			RequestName:     inbox.RequestName,
			TaskName:        inbox.TaskName,
			Team:            inbox.Team,
			Status:          element.Available,
			Priority:        inbox.Priority,
			NumberOfFiles:   files[i],
			NumberOfEvents:  events[i],
			NumberOfLumis:   lumis[i],
			Jobs:            jobs[i],
			ParentQueueID:   inbox.ID,
			SiteWhitelist:   whitelist,
			SiteBlacklist:   inbox.SiteBlacklist,
			Locations:       inbox.Locations,
			Inputs:          []element.Input{in},
			StartPolicy:     inbox.StartPolicy,
			SplitPolicyArgs: inbox.SplitPolicyArgs,
			InsertTime:      inbox.InsertTime,
		}
		if e.Jobs < 1 {
			e.Jobs = 1
		}
		es[i] = e.Clone()
	}
	return es
}

// ReportUp sends the status of our inbox elements to our parent. Terminal
// elements are reported until the parent accepts the report. Elements the
// parent says we don't hold, or that it can't move to our status, are
// quarantined. Elements the parent wants canceled are canceled here.
func (l *Local) ReportUp(ctx context.Context) (*SyncResult, error) {
	started := time.Now()
	res, err := l.reportUp(ctx)
	l.recordCycle("report", started, err)
	return res, err
}

func (l *Local) reportUp(ctx context.Context) (*SyncResult, error) {
	inbox, err := l.collect(ctx, "ReportUp", backend.Filter{Inbox: backend.InboxOnly})
	if err != nil {
		return nil, err
	}

	byParent := make(map[string]*element.Element, len(inbox))
	var reports []Report
	for _, e := range inbox {
		byParent[e.ParentQueueID] = e
		if e.Status == element.Negotiating || (e.Status.IsTerminal() && e.ReportedStatus == e.Status) {
			continue
		}
		reports = append(reports, Report{
			ElementID:       e.ParentQueueID,
			Status:          e.Status,
			PercentComplete: e.PercentComplete,
			JobsDone:        e.JobsDone,
			JobsFailed:      e.JobsFailed,
		})
	}

	res, err := l.parent.Synchronize(ctx, l.url, reports)
	if err != nil {
		return nil, Error{Op: "ReportUp", Item: l.url, Err: err}
	}

	reported := make(map[string]element.Status, len(reports))
	for _, r := range reports {
		reported[r.ElementID] = r.Status
	}

	for _, id := range res.Accepted {
		e := byParent[id]
		if e == nil {
			continue
		}
		status := reported[id]
		_, erru := l.update(ctx, "ReportUp", e.ID, status, status, func(c *element.Element) error {
			c.ReportedStatus = status
			return nil
		})
		if erru != nil && !errors.Is(erru, backend.ErrConflict) {
			return res, erru
		}
	}

	for _, rej := range res.Rejected {
		e := byParent[rej.ElementID]
		if e == nil {
			continue
		}
		switch rej.Kind {
		case RejectNotFound, RejectNotOwner, RejectTransition:
			if errq := l.quarantine(ctx, e, "parent rejected report: "+rej.Reason); errq != nil {
				return res, errq
			}
		default:
			l.Warn("parent rejected report", "id", e.ID, "parent_id", rej.ElementID, "kind", rej.Kind, "reason", rej.Reason)
		}
	}

	for _, id := range res.Cancel {
		e := byParent[id]
		if e == nil {
			continue
		}
		if errc := l.cancelInbox(ctx, e); errc != nil {
			return res, errc
		}
	}

	return res, nil
}

// cancelInbox cancels the local elements split from an inbox element, and
// marks the inbox element as being canceled, so that it becomes Canceled once
// they are all terminal.
func (l *Local) cancelInbox(ctx context.Context, inbox *element.Element) error {
	if !inbox.Status.IsTerminal() && inbox.Status != element.CancelRequested {
		_, err := l.update(ctx, "ReportUp", inbox.ID, inbox.Status, element.CancelRequested, nil)
		if err != nil && !errors.Is(err, backend.ErrConflict) {
			return err
		}
	}

	children, err := l.collect(ctx, "ReportUp", backend.Filter{
		ParentQueueID:      inbox.ID,
		Statuses:           element.NonTerminal,
		Inbox:              backend.InboxExcluded,
		IncludeQuarantined: true,
	})
	if err != nil {
		return err
	}
	for _, c := range children {
		if _, err = l.cancelElement(ctx, c); err != nil {
			return err
		}
	}
	if len(children) > 0 {
		l.Info("canceling work at parent's request", "inbox", inbox.ID, "elements", len(children))
	}

	current, err := l.get(ctx, "ReportUp", inbox.ID)
	if err != nil {
		return err
	}
	return l.aggregateOne(ctx, current)
}
