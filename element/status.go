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

package element

// This file contains the element state graph and status aggregation.

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Status is the lifecycle state of an Element.
type Status string

// Status* are the possible states of an Element. PartialSuccess is only ever
// the result of aggregating a mix of Done and Failed children.
const (
	Available       Status = "Available"
	Negotiating     Status = "Negotiating"
	Acquired        Status = "Acquired"
	Running         Status = "Running"
	Done            Status = "Done"
	Failed          Status = "Failed"
	Canceled        Status = "Canceled"
	CancelRequested Status = "CancelRequested"
	PartialSuccess  Status = "PartialSuccess"
)

// AllStatuses lists every Status in lifecycle order.
var AllStatuses = []Status{Available, Negotiating, Acquired, Running, CancelRequested, Done, Failed, PartialSuccess, Canceled}

// NonTerminal lists the statuses an element can still move on from.
var NonTerminal = []Status{Available, Negotiating, Acquired, Running, CancelRequested}

// transitions is the state graph. Each event is named after its destination,
// so moving an element to a status is always the event of that name.
var transitions = fsm.Events{
	{Name: string(Negotiating), Src: []string{string(Available)}, Dst: string(Negotiating)},
	{Name: string(Available), Src: []string{string(Negotiating)}, Dst: string(Available)},
	{Name: string(Acquired), Src: []string{string(Negotiating)}, Dst: string(Acquired)},
	{Name: string(Running), Src: []string{string(Acquired)}, Dst: string(Running)},
	{Name: string(Done), Src: []string{string(Running)}, Dst: string(Done)},
	{Name: string(Failed), Src: []string{string(Running)}, Dst: string(Failed)},
	{Name: string(PartialSuccess), Src: []string{string(Running)}, Dst: string(PartialSuccess)},
	{Name: string(CancelRequested), Src: []string{string(Available), string(Negotiating), string(Acquired), string(Running)}, Dst: string(CancelRequested)},
	{Name: string(Canceled), Src: []string{string(CancelRequested)}, Dst: string(Canceled)},
}

// newMachine returns a state machine positioned at the given status.
func newMachine(s Status) *fsm.FSM {
	return fsm.NewFSM(string(s), transitions, fsm.Callbacks{})
}

// Valid tells you if this is one of our known statuses.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal tells you if no transitions out of this status exist.
func (s Status) IsTerminal() bool {
	switch s {
	case Done, Failed, Canceled, PartialSuccess:
		return true
	}
	return false
}

// CanTransition tells you if the state graph has an edge from -> to.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	return newMachine(from).Can(string(to))
}

// ReportPath returns the sequence of statuses an element currently at from
// must step through to end up at the status a child queue reported. Reports
// can never move an element back in to the pool, so paths never pass through
// Available or Negotiating. A report of the current status is an empty path.
// An error wrapping ErrInvalidTransition is returned if there is no path.
func ReportPath(from, to Status) ([]Status, error) {
	if from == to && to.Valid() {
		return nil, nil
	}

	if !to.Valid() || to == Available || to == Negotiating {
		return nil, Error{Op: "ReportPath", Item: string(from), Err: ErrInvalidTransition, Detail: fmt.Sprintf("%s can't be reported", to)}
	}

	// breadth first search over the graph, visiting destinations in the order
	// they are declared so that the path found is deterministic
	prev := map[Status]Status{from: ""}
	queue := []Status{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == to {
			break
		}

		for _, event := range transitions {
			next := Status(event.Dst)
			if next == Available || next == Negotiating {
				continue
			}
			if _, seen := prev[next]; seen {
				continue
			}
			if !CanTransition(current, next) {
				continue
			}
			prev[next] = current
			queue = append(queue, next)
		}
	}

	if _, found := prev[to]; !found {
		return nil, Error{Op: "ReportPath", Item: string(from), Err: ErrInvalidTransition, Detail: fmt.Sprintf("no path to %s", to)}
	}

	var path []Status
	for s := to; s != from; s = prev[s] {
		path = append([]Status{s}, path...)
	}
	return path, nil
}

// SetStatus moves the element to the given status, returning an error wrapping
// ErrInvalidTransition if the state graph has no such edge. The element is
// unaltered on error.
func (e *Element) SetStatus(status Status) error {
	if e.Status == status || !status.Valid() {
		return Error{Op: "SetStatus", Item: e.ID, Err: ErrInvalidTransition, Detail: fmt.Sprintf("%s -> %s", e.Status, status)}
	}

	machine := newMachine(e.Status)
	if err := machine.Event(context.Background(), string(status)); err != nil {
		return Error{Op: "SetStatus", Item: e.ID, Err: ErrInvalidTransition, Detail: fmt.Sprintf("%s -> %s", e.Status, status)}
	}

	e.Status = Status(machine.Current())
	return nil
}

// Aggregate works out the status of a parent element from the statuses of its
// children. The parent only becomes terminal once every child is terminal:
//
//   - all Done: Done
//   - a mix including Done and any of Failed or Canceled (or any
//     PartialSuccess child): PartialSuccess
//   - some Failed, the rest Failed or Canceled: Failed
//   - all Canceled: Canceled
//
// While any child is non-terminal the result is Running if any child has
// started (reached Running or a terminal status), Acquired otherwise. With no
// children the empty Status is returned, meaning "unknown".
func Aggregate(statuses []Status) Status {
	if len(statuses) == 0 {
		return ""
	}

	var done, failed, canceled, partial, started, nonTerminal int
	for _, s := range statuses {
		switch s {
		case Done:
			done++
		case Failed:
			failed++
		case Canceled:
			canceled++
		case PartialSuccess:
			partial++
		case Running:
			started++
		}
		if !s.IsTerminal() {
			nonTerminal++
		}
	}

	if nonTerminal > 0 {
		if started+done+failed+partial+canceled > 0 {
			return Running
		}
		return Acquired
	}

	switch {
	case partial > 0, done > 0 && failed+canceled > 0:
		return PartialSuccess
	case done > 0:
		return Done
	case failed > 0:
		return Failed
	default:
		return Canceled
	}
}
