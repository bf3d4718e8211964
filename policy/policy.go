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

// This file contains the Policy interface, the registry of policies and the
// block preparation shared by them.

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dmwm/workqueue/catalog"
	"github.com/dmwm/workqueue/element"
	"github.com/dmwm/workqueue/wmspec"
)

// MonteCarloMarker is recorded as the split "block" of a Monte Carlo task, so
// that it is only ever split once.
const MonteCarloMarker = "MonteCarlo"

// ArgJobsPerElement is the SplitPolicyArgs key recording the maximum jobs per
// element the element was made with.
const ArgJobsPerElement = "jobs_per_element"

// ErrUnknownPolicy is returned (wrapped) when a task names a start policy that
// has not been registered.
var ErrUnknownPolicy = errors.New("unknown start policy")

// Input is everything a Policy needs to split one task.
type Input struct {
	Workflow *wmspec.Workflow
	Task     wmspec.Task
	Team     string

	// Blocks are the dataset's blocks not yet split. Ignored for Monte Carlo
	// tasks.
	Blocks []catalog.Block

	// JobsPerElement is the most jobs an element should hold, unless the task
	// says otherwise. Values < 1 are treated as 1.
	JobsPerElement int
}

// Result is the outcome of splitting a task.
type Result struct {
	Elements []*element.Element

	// Split are the blocks (or MonteCarloMarker) covered by Elements.
	Split []string

	// Pending are closed blocks with no replica locations, to be split later.
	Pending []string

	// Open are blocks still growing, to be split once they close.
	Open []string

	// Skipped are blocks excluded by the task's block or run lists.
	Skipped []string
}

// Policy turns a task and the current state of its input in to elements.
// Elements must exactly cover the files and events of the blocks they list as
// Split, with no overlap.
type Policy interface {
	Split(in Input) (*Result, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Policy{
		wmspec.StartBlock:      Block{},
		wmspec.StartDataset:    Dataset{},
		wmspec.StartRun:        Run{},
		wmspec.StartMonteCarlo: MonteCarlo{},
	}
)

// Register makes a Policy available under the given start policy name,
// replacing any existing one.
func Register(name string, p Policy) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = p
}

// ForTask returns the Policy for the task's start policy.
func ForTask(task wmspec.Task) (Policy, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	name := task.Policy()
	p, exists := registry[name]
	if !exists {
		return nil, fmt.Errorf("task %s: %w %q", task.Name, ErrUnknownPolicy, name)
	}
	return p, nil
}

// Split splits the input with the Policy its task asks for.
func Split(in Input) (*Result, error) {
	p, err := ForTask(in.Task)
	if err != nil {
		return nil, err
	}
	return p.Split(in)
}

// jobsPerElement is the effective maximum number of jobs per element.
func (in Input) jobsPerElement() int {
	jpe := in.JobsPerElement
	if in.Task.JobsPerElement > 0 {
		jpe = in.Task.JobsPerElement
	}
	if jpe < 1 {
		jpe = 1
	}
	return jpe
}

// perJob is the task's per-job size, at least 1.
func (in Input) perJob() int {
	if n := in.Task.PerJob(); n > 0 {
		return n
	}
	return 1
}

// template returns an element with the fields common to every element of the
// task filled in.
func (in Input) template() element.Element {
	args := make(map[string]int, len(in.Task.SplittingArguments)+1)
	for k, v := range in.Task.SplittingArguments {
		args[k] = v
	}
	args[ArgJobsPerElement] = in.jobsPerElement()

	team := in.Team
	if team == "" {
		team = in.Workflow.Team
	}
	return element.Element{
		RequestName:     in.Workflow.Name,
		TaskName:        in.Task.Name,
		Team:            team,
		Priority:        in.Workflow.Priority,
		SiteWhitelist:   copyStrings(in.Task.SiteWhitelist),
		SiteBlacklist:   copyStrings(in.Task.SiteBlacklist),
		StartPolicy:     in.Task.Policy(),
		SplitPolicyArgs: args,
	}
}

// units returns the amount of the block that jobs are sized by, according to
// the task's splitting algorithm.
func (in Input) units(files, events, lumis int) int {
	switch in.Task.SplittingAlgorithm {
	case wmspec.EventBased, wmspec.EventAwareLumiBased:
		return events
	case wmspec.LumiBased:
		return lumis
	}
	return files
}

// jobs estimates the number of jobs needed to process the given units.
func (in Input) jobs(units int) int {
	per := in.perJob()
	n := (units + per - 1) / per
	if n < 1 {
		n = 1
	}
	return n
}

// prepare sorts the blocks of the input in to those ready to split and those
// that are open, pending a location, or excluded by the task's lists. The
// result has everything but Elements and Split filled in.
func (in Input) prepare() ([]catalog.Block, *Result) {
	res := &Result{}
	white := toSet(in.Task.BlockWhitelist)
	black := toSet(in.Task.BlockBlacklist)
	runWhite := toIntSet(in.Task.RunWhitelist)
	runBlack := toIntSet(in.Task.RunBlacklist)

	blocks := make([]catalog.Block, len(in.Blocks))
	copy(blocks, in.Blocks)
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Name < blocks[j].Name })

	var ready []catalog.Block
	for _, b := range blocks {
		switch {
		case len(white) > 0 && !white[b.Name],
			black[b.Name],
			len(runWhite) > 0 && !anyRunIn(b.Runs, runWhite),
			len(runBlack) > 0 && len(b.Runs) > 0 && allRunsIn(b.Runs, runBlack):
			res.Skipped = append(res.Skipped, b.Name)
		case b.Open:
			res.Open = append(res.Open, b.Name)
		case len(b.Locations) == 0:
			res.Pending = append(res.Pending, b.Name)
		default:
			ready = append(ready, b)
		}
	}
	return ready, res
}

// Apportion divides total in to parts proportional to weights, such that the
// parts sum to exactly total. If all weights are 0 the total goes to the
// first part.
func Apportion(total int, weights []int) []int {
	parts := make([]int, len(weights))
	if len(weights) == 0 {
		return parts
	}

	sum := 0
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		parts[0] = total
		return parts
	}

	cum, prev := 0, 0
	for i, w := range weights {
		cum += w
		upto := int(int64(total) * int64(cum) / int64(sum))
		parts[i] = upto - prev
		prev = upto
	}
	return parts
}

// chunks divides total units in to consecutive chunks of at most size,
// returning the size of each. There is always at least one chunk.
func chunks(total, size int) []int {
	if total <= 0 {
		return []int{total}
	}
	if size < 1 {
		size = 1
	}
	var sizes []int
	for done := 0; done < total; done += size {
		n := size
		if total-done < n {
			n = total - done
		}
		sizes = append(sizes, n)
	}
	return sizes
}

// intersect returns the sites common to every block, sorted.
func intersect(blocks []catalog.Block) []string {
	if len(blocks) == 0 {
		return nil
	}
	common := toSet(blocks[0].Locations)
	for _, b := range blocks[1:] {
		here := toSet(b.Locations)
		for site := range common {
			if !here[site] {
				delete(common, site)
			}
		}
	}
	sites := make([]string, 0, len(common))
	for site := range common {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

func toSet(s []string) map[string]bool {
	set := make(map[string]bool, len(s))
	for _, str := range s {
		set[str] = true
	}
	return set
}

func toIntSet(s []int) map[int]bool {
	set := make(map[int]bool, len(s))
	for _, i := range s {
		set[i] = true
	}
	return set
}

func anyRunIn(runs []int, set map[int]bool) bool {
	for _, r := range runs {
		if set[r] {
			return true
		}
	}
	return false
}

func allRunsIn(runs []int, set map[int]bool) bool {
	for _, r := range runs {
		if !set[r] {
			return false
		}
	}
	return true
}

func copyStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}

func blockNames(blocks []catalog.Block) []string {
	names := make([]string, len(blocks))
	for i, b := range blocks {
		names[i] = b.Name
	}
	return names
}

// finish validates the elements made from the template.
func finish(res *Result, fields []element.Element) (*Result, error) {
	for _, f := range fields {
		e, err := element.New(f)
		if err != nil {
			return nil, err
		}
		res.Elements = append(res.Elements, e)
	}
	return res, nil
}
