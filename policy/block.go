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
	"github.com/dmwm/workqueue/catalog"
	"github.com/dmwm/workqueue/element"
)

// Block is the default Policy: each closed, located block is divided in to
// consecutive ranges, each an element holding at most JobsPerElement jobs.
type Block struct{}

// Split implements Policy.
func (Block) Split(in Input) (*Result, error) {
	ready, res := in.prepare()
	chunkSize := in.perJob() * in.jobsPerElement()

	var fields []element.Element
	for _, b := range ready {
		fields = append(fields, in.splitBlock(b, chunkSize)...)
		res.Split = append(res.Split, b.Name)
	}
	return finish(res, fields)
}

// splitBlock divides one block in to elements of at most chunkSize units.
func (in Input) splitBlock(b catalog.Block, chunkSize int) []element.Element {
	sizes := chunks(in.units(b.Files, b.Events, b.Lumis), chunkSize)
	files := Apportion(b.Files, sizes)
	events := Apportion(b.Events, sizes)
	lumis := Apportion(b.Lumis, sizes)

	fields := make([]element.Element, len(sizes))
	firstFile, firstEvent := 0, 0
	for i, size := range sizes {
		f := in.template()
		f.NumberOfFiles = files[i]
		f.NumberOfEvents = events[i]
		f.NumberOfLumis = lumis[i]
		f.Jobs = in.jobs(size)
		f.Locations = copyStrings(b.Locations)
		f.Inputs = []element.Input{{
			Dataset:    in.Task.InputDataset,
			Block:      b.Name,
			FirstFile:  firstFile,
			NumFiles:   files[i],
			FirstEvent: firstEvent,
			NumEvents:  events[i],
		}}
		firstFile += files[i]
		firstEvent += events[i]
		fields[i] = f
	}
	return fields
}
