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

// This file contains the CEL expression filter used by Status().

import (
	"fmt"
	"strings"
	"time"

	"github.com/dmwm/workqueue/element"
	"github.com/google/cel-go/cel"
)

// celFilter is a compiled CEL expression over element fields. When disabled,
// Match always returns true.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

// newCELFilter compiles a boolean CEL expression that can refer to these
// element fields:
//
//	id, request, task, team, status, site, child, parent (strings)
//	priority, jobs, files, events, lumis, percent, jobs_done,
//	jobs_failed (ints)
//	inbox, quarantined (bools)
//	locations, whitelist, blacklist (lists of strings)
//	age_hours (double)
//
// eg. `status == "Available" && priority > 1000 && "SiteA" in locations`.
// A blank expression gives a disabled filter.
func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{enabled: false}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("request", cel.StringType),
		cel.Variable("task", cel.StringType),
		cel.Variable("team", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("site", cel.StringType),
		cel.Variable("child", cel.StringType),
		cel.Variable("parent", cel.StringType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("jobs", cel.IntType),
		cel.Variable("files", cel.IntType),
		cel.Variable("events", cel.IntType),
		cel.Variable("lumis", cel.IntType),
		cel.Variable("percent", cel.IntType),
		cel.Variable("jobs_done", cel.IntType),
		cel.Variable("jobs_failed", cel.IntType),
		cel.Variable("inbox", cel.BoolType),
		cel.Variable("quarantined", cel.BoolType),
		cel.Variable("locations", cel.ListType(cel.StringType)),
		cel.Variable("whitelist", cel.ListType(cel.StringType)),
		cel.Variable("blacklist", cel.ListType(cel.StringType)),
		cel.Variable("age_hours", cel.DoubleType),
	)
	if err != nil {
		return celFilter{}, err
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, fmt.Errorf("%w: %s", ErrBadFilter, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return celFilter{}, fmt.Errorf("%w: %q is not a boolean expression", ErrBadFilter, expr)
	}

	prog, err := env.Program(ast)
	if err != nil {
		return celFilter{}, fmt.Errorf("%w: %s", ErrBadFilter, err)
	}
	return celFilter{prog: prog, enabled: true}, nil
}

// Match evaluates the expression against the element. Evaluation errors count
// as no match.
func (f celFilter) Match(e *element.Element, now time.Time) bool {
	if !f.enabled {
		return true
	}

	out, _, err := f.prog.Eval(map[string]any{
		"id":          e.ID,
		"request":     e.RequestName,
		"task":        e.TaskName,
		"team":        e.Team,
		"status":      string(e.Status),
		"site":        e.Site,
		"child":       e.ChildQueueURL,
		"parent":      e.ParentQueueID,
		"priority":    int64(e.Priority),
		"jobs":        int64(e.Jobs),
		"files":       int64(e.NumberOfFiles),
		"events":      int64(e.NumberOfEvents),
		"lumis":       int64(e.NumberOfLumis),
		"percent":     int64(e.PercentComplete),
		"jobs_done":   int64(e.JobsDone),
		"jobs_failed": int64(e.JobsFailed),
		"inbox":       e.Inbox,
		"quarantined": e.Quarantined,
		"locations":   nonNil(e.Locations),
		"whitelist":   nonNil(e.SiteWhitelist),
		"blacklist":   nonNil(e.SiteBlacklist),
		"age_hours":   e.Age(now).Hours(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
