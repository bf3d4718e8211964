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
Package wmspec describes workflow specifications, the declarative description
of a request that a work queue splits in to elements, and provides ways of
looking them up by request name.

    import "github.com/dmwm/workqueue/wmspec"

    p := wmspec.NewDirProvider("/path/to/specs")
    wf, err := p.Get(ctx, "req1") // reads /path/to/specs/req1.yml
*/
package wmspec

import (
	"errors"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

// Start policies, naming the way a task's input is divided in to elements.
const (
	StartBlock      = "Block"
	StartDataset    = "Dataset"
	StartRun        = "Run"
	StartMonteCarlo = "MonteCarlo"
)

// Splitting algorithms, naming how a task's jobs are sized.
const (
	FileBased           = "FileBased"
	EventBased          = "EventBased"
	LumiBased           = "LumiBased"
	EventAwareLumiBased = "EventAwareLumiBased"
)

// Splitting argument names.
const (
	ArgFilesPerJob  = "files_per_job"
	ArgEventsPerJob = "events_per_job"
	ArgLumisPerJob  = "lumis_per_job"
)

// algorithmArgs is the argument each splitting algorithm requires.
var algorithmArgs = map[string]string{
	FileBased:           ArgFilesPerJob,
	EventBased:          ArgEventsPerJob,
	LumiBased:           ArgLumisPerJob,
	EventAwareLumiBased: ArgEventsPerJob,
}

// wmspec has some typical errors
var (
	ErrInvalid  = errors.New("invalid workflow spec")
	ErrNotFound = errors.New("workflow spec not found")
)

// Error records an error and the operation and request that caused it.
type Error struct {
	Op      string // name of the method
	Request string // the request name
	Err     error  // one of our Err* vars, or an underlying error
}

func (e Error) Error() string {
	return "wmspec " + e.Op + "(" + e.Request + "): " + e.Err.Error()
}

// Unwrap lets errors.Is() find our Err* vars.
func (e Error) Unwrap() error {
	return e.Err
}

// Workflow is the specification of a request.
type Workflow struct {
	Name     string `yaml:"name" json:"name"`
	Priority int    `yaml:"priority" json:"priority"`
	Team     string `yaml:"team,omitempty" json:"team,omitempty"`
	Tasks    []Task `yaml:"tasks" json:"tasks"`
}

// Task is one top-level task of a Workflow. Tasks without an InputDataset
// generate events (Monte Carlo) instead of processing a dataset.
type Task struct {
	Name               string         `yaml:"name" json:"name"`
	InputDataset       string         `yaml:"input_dataset,omitempty" json:"input_dataset,omitempty"`
	StartPolicy        string         `yaml:"start_policy,omitempty" json:"start_policy,omitempty"`
	SplittingAlgorithm string         `yaml:"splitting_algorithm" json:"splitting_algorithm"`
	SplittingArguments map[string]int `yaml:"splitting_arguments" json:"splitting_arguments"`
	SiteWhitelist      []string       `yaml:"site_whitelist,omitempty" json:"site_whitelist,omitempty"`
	SiteBlacklist      []string       `yaml:"site_blacklist,omitempty" json:"site_blacklist,omitempty"`
	BlockWhitelist     []string       `yaml:"block_whitelist,omitempty" json:"block_whitelist,omitempty"`
	BlockBlacklist     []string       `yaml:"block_blacklist,omitempty" json:"block_blacklist,omitempty"`
	RunWhitelist       []int          `yaml:"run_whitelist,omitempty" json:"run_whitelist,omitempty"`
	RunBlacklist       []int          `yaml:"run_blacklist,omitempty" json:"run_blacklist,omitempty"`
	RequestNumEvents   int            `yaml:"request_num_events,omitempty" json:"request_num_events,omitempty"`

	// JobsPerElement overrides the queue's default maximum number of jobs
	// in each element made from this task.
	JobsPerElement int `yaml:"jobs_per_element,omitempty" json:"jobs_per_element,omitempty"`
}

// IsMonteCarlo tells you if this task generates events rather than reading an
// input dataset.
func (t Task) IsMonteCarlo() bool {
	return t.InputDataset == ""
}

// Policy returns the start policy for this task: MonteCarlo if it has no input
// dataset, otherwise its StartPolicy, defaulting to Block.
func (t Task) Policy() string {
	if t.IsMonteCarlo() {
		return StartMonteCarlo
	}
	if t.StartPolicy == "" {
		return StartBlock
	}
	return t.StartPolicy
}

// PerJob returns the amount of work (files, events or lumis, depending on the
// splitting algorithm) in a single job.
func (t Task) PerJob() int {
	return t.SplittingArguments[algorithmArgs[t.SplittingAlgorithm]]
}

// Validate checks that the workflow has a name and at least one task, and
// that every task is well formed. All problems found are returned together.
func (w *Workflow) Validate() error {
	var merr *multierror.Error
	if w.Name == "" {
		merr = multierror.Append(merr, fmt.Errorf("no name"))
	}
	if len(w.Tasks) == 0 {
		merr = multierror.Append(merr, fmt.Errorf("no tasks"))
	}

	seen := make(map[string]bool)
	for _, t := range w.Tasks {
		if t.Name == "" {
			merr = multierror.Append(merr, fmt.Errorf("a task has no name"))
			continue
		}
		if seen[t.Name] {
			merr = multierror.Append(merr, fmt.Errorf("task %s defined twice", t.Name))
		}
		seen[t.Name] = true

		if err := t.validate(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("task %s: %s", t.Name, err))
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		return Error{Op: "Validate", Request: w.Name, Err: fmt.Errorf("%w: %s", ErrInvalid, err)}
	}
	return nil
}

func (t Task) validate() error {
	arg, known := algorithmArgs[t.SplittingAlgorithm]
	if !known {
		return fmt.Errorf("unknown splitting algorithm %q", t.SplittingAlgorithm)
	}
	if t.SplittingArguments[arg] <= 0 {
		return fmt.Errorf("%s requires a positive %s", t.SplittingAlgorithm, arg)
	}
	if t.JobsPerElement < 0 {
		return fmt.Errorf("jobs_per_element can't be negative")
	}

	switch t.StartPolicy {
	case "", StartBlock, StartDataset, StartRun:
	case StartMonteCarlo:
		if !t.IsMonteCarlo() {
			return fmt.Errorf("MonteCarlo start policy can't have an input dataset")
		}
	default:
		return fmt.Errorf("unknown start policy %q", t.StartPolicy)
	}

	if t.IsMonteCarlo() {
		if t.RequestNumEvents <= 0 {
			return fmt.Errorf("Monte Carlo tasks need a positive request_num_events")
		}
		if t.SplittingAlgorithm != EventBased {
			return fmt.Errorf("Monte Carlo tasks must be split %s", EventBased)
		}
	}
	return nil
}
