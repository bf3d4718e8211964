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

// This file contains the policies that group several blocks in to one
// element.

import (
	"sort"

	"github.com/dmwm/workqueue/catalog"
	"github.com/dmwm/workqueue/element"
)

// Dataset is a Policy making a single element out of every closed, located
// block, runnable where all of those blocks are. If no site holds all of them,
// every block is left pending.
type Dataset struct{}

// Split implements Policy.
func (Dataset) Split(in Input) (*Result, error) {
	ready, res := in.prepare()
	if len(ready) == 0 {
		return res, nil
	}

	f, ok := in.groupElement(ready, 0)
	if !ok {
		res.Pending = append(res.Pending, blockNames(ready)...)
		sort.Strings(res.Pending)
		return res, nil
	}
	res.Split = blockNames(ready)
	return finish(res, []element.Element{f})
}

// Run is a Policy making one element per run, out of the closed, located
// blocks whose first run it is. Runs whose blocks share no site are left
// pending.
type Run struct{}

// Split implements Policy.
func (Run) Split(in Input) (*Result, error) {
	ready, res := in.prepare()

	byRun := make(map[int][]catalog.Block)
	var runs []int
	for _, b := range ready {
		run := 0
		if len(b.Runs) > 0 {
			run = b.Runs[0]
		}
		if _, seen := byRun[run]; !seen {
			runs = append(runs, run)
		}
		byRun[run] = append(byRun[run], b)
	}
	sort.Ints(runs)

	var fields []element.Element
	for _, run := range runs {
		blocks := byRun[run]
		f, ok := in.groupElement(blocks, run)
		if !ok {
			res.Pending = append(res.Pending, blockNames(blocks)...)
			continue
		}
		fields = append(fields, f)
		res.Split = append(res.Split, blockNames(blocks)...)
	}
	sort.Strings(res.Pending)
	return finish(res, fields)
}

// groupElement makes a single element covering all of the given blocks. ok is
// false if the blocks have no location in common.
func (in Input) groupElement(blocks []catalog.Block, run int) (element.Element, bool) {
	locations := intersect(blocks)
	if len(locations) == 0 {
		return element.Element{}, false
	}

	f := in.template()
	f.Locations = locations
	for _, b := range blocks {
		f.NumberOfFiles += b.Files
		f.NumberOfEvents += b.Events
		f.NumberOfLumis += b.Lumis
		f.Inputs = append(f.Inputs, element.Input{
			Dataset:   in.Task.InputDataset,
			Block:     b.Name,
			Run:       run,
			NumFiles:  b.Files,
			NumEvents: b.Events,
		})
	}
	f.Jobs = in.jobs(in.units(f.NumberOfFiles, f.NumberOfEvents, f.NumberOfLumis))
	return f, true
}
