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

package policy

import (
	"fmt"

	"github.com/dmwm/workqueue/element"
	"github.com/dmwm/workqueue/wmspec"
)

// MonteCarlo is the Policy for tasks that generate events: the requested
// events are divided in to consecutive ranges, each an element holding at
// most JobsPerElement jobs. Elements have no locations, so may run at any
// site their task's site lists allow.
type MonteCarlo struct{}

// Split implements Policy.
func (MonteCarlo) Split(in Input) (*Result, error) {
	if in.Task.RequestNumEvents <= 0 {
		return nil, fmt.Errorf("task %s: %w: no events requested", in.Task.Name, wmspec.ErrInvalid)
	}

	per := in.perJob()
	sizes := chunks(in.Task.RequestNumEvents, per*in.jobsPerElement())

	fields := make([]element.Element, len(sizes))
	first := 0
	for i, size := range sizes {
		f := in.template()
		f.NumberOfEvents = size
		f.Jobs = in.jobs(size)
		f.Inputs = []element.Input{{FirstEvent: first, NumEvents: size}}
		first += size
		fields[i] = f
	}

	return finish(&Result{Split: []string{MonteCarloMarker}}, fields)
}
