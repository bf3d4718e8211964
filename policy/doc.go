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

/*
Package policy contains the splitting policies that turn a task of a workflow,
plus the current state of its input dataset, in to work queue elements.

The policy used for a task is chosen by its start policy: Block (the default),
Dataset, Run, or MonteCarlo for tasks without an input dataset. Job counts are
estimated from the task's splitting algorithm and its per-job argument.

Blocks that are still open, or that have no replica locations, are not split
but reported in the Result, so that they can be split on a later pass.

    import "github.com/dmwm/workqueue/policy"

    res, err := policy.Split(policy.Input{
        Workflow:       wf,
        Task:           wf.Tasks[0],
        Blocks:         blocks,
        JobsPerElement: 1,
    })
    // res.Elements, res.Split, res.Pending, res.Open
*/
package policy
