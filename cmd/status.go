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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/carbocation/runningvariance"
	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/element"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const shortTimeFormat = "06/1/2-15:04:05"
const allRequests = "all above"

// options for this cmd
var statusRequest string
var statusStates string
var statusSite string
var statusChild string
var statusExpr string
var statusInbox string
var showQuarantined bool
var outputFormat string

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get status of queued work",
	Long: `Find out the status of the elements of work in a wmq manager's queue.

By default you get the status of every element in the queue. Limit that with
-r to a single request, -s to a comma separated list of statuses, --site to a
site, and --child to the elements held by a particular child queue. For
anything else, -e takes a CEL expression over the element's fields (eg. id,
request, task, team, status, site, child, priority, jobs, files, percent,
jobs_done, jobs_failed, locations and age_hours), eg.
  -e 'priority > 100 && status == "Available"'

Quarantined elements are only included if you supply -q.

On a local queue, --inbox ("only" or "exclude") picks between the elements
pulled from the parent and the elements split from them for the agent.

There are 4 output formats to choose from with -o (you can shorten the output
name to just the first letter, eg. -o c):
  "counts" just displays the count of elements in each status.
  "summary" shows the counts broken down by request, along with the mean (and
    standard deviation) percent complete of each request's elements, its job
    totals and when its work was first queued and last updated.
  "details" shows a table with a row per element.
  "json" simply dumps the complete details of every element out as an array of
    JSON objects.`,
	Run: func(cmd *cobra.Command, args []string) {
		filter, err := statusFilter()
		if err != nil {
			die("%s", err)
		}

		client := mustConnect()
		ctx := context.Background()

		stats, err := client.Stats(ctx)
		if err != nil {
			die("failed to get queue stats: %s", err)
		}
		if stats.Degraded {
			warn("the queue's backend is unavailable: %s", stats.LastError)
		}

		elements, err := client.Status(ctx, filter, statusExpr)
		if err != nil {
			die("failed to get status: %s", err)
		}

		switch outputFormat {
		case "counts", "c":
			printCounts(os.Stdout, elements)
		case "summary", "s":
			printSummary(os.Stdout, elements)
		case "details", "d":
			printDetails(os.Stdout, elements)
		case "json", "j":
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetEscapeHTML(false)
			if err = encoder.Encode(elements); err != nil {
				die("failed to encode elements: %s", err)
			}
		default:
			die("invalid -o format specified")
		}
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)

	// flags specific to this sub-command
	statusCmd.Flags().StringVarP(&statusRequest, "request", "r", "", "only elements of this request")
	statusCmd.Flags().StringVarP(&statusStates, "states", "s", "", "only elements in these comma separated statuses")
	statusCmd.Flags().StringVar(&statusSite, "site", "", "only elements assigned to this site")
	statusCmd.Flags().StringVar(&statusChild, "child", "", "only elements held by the child queue with this URL")
	statusCmd.Flags().StringVarP(&statusExpr, "expression", "e", "", "only elements this CEL expression is true for")
	statusCmd.Flags().StringVar(&statusInbox, "inbox", "", "['only','exclude'] inbox elements of a local queue")
	statusCmd.Flags().BoolVarP(&showQuarantined, "quarantined", "q", false, "include quarantined elements")
	statusCmd.Flags().StringVarP(&outputFormat, "output", "o", "counts", "['counts','summary','details','json'] output format")
}

// statusFilter makes a Filter from our flags.
func statusFilter() (backend.Filter, error) {
	filter := backend.Filter{
		RequestName:        statusRequest,
		Site:               statusSite,
		ChildQueueURL:      statusChild,
		IncludeQuarantined: showQuarantined,
	}

	if statusStates != "" {
		for _, s := range strings.Split(statusStates, ",") {
			status := element.Status(strings.TrimSpace(s))
			if !status.Valid() {
				return filter, fmt.Errorf("%q is not a valid status", s)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	switch statusInbox {
	case "":
	case "only":
		filter.Inbox = backend.InboxOnly
	case "exclude":
		filter.Inbox = backend.InboxExcluded
	default:
		return filter, fmt.Errorf("--inbox must be 'only' or 'exclude', not %q", statusInbox)
	}

	return filter, nil
}

// statusColor gives a function that colours text the way we show the given
// status.
func statusColor(status element.Status) func(a ...interface{}) string {
	var c *color.Color
	switch status {
	case element.Done:
		c = color.New(color.FgGreen)
	case element.Failed:
		c = color.New(color.FgRed)
	case element.PartialSuccess:
		c = color.New(color.FgYellow)
	case element.Canceled, element.CancelRequested:
		c = color.New(color.FgMagenta)
	case element.Running, element.Acquired:
		c = color.New(color.FgCyan)
	default:
		return fmt.Sprint
	}
	return c.SprintFunc()
}

// countStatuses counts the elements in each status.
func countStatuses(elements []*element.Element) map[element.Status]int {
	counts := make(map[element.Status]int)
	for _, e := range elements {
		counts[e.Status]++
	}
	return counts
}

// formatCounts gives status=count pairs in lifecycle order, skipping zero
// counts.
func formatCounts(counts map[element.Status]int) string {
	var parts []string
	for _, status := range element.AllStatuses {
		if n := counts[status]; n > 0 {
			parts = append(parts, statusColor(status)(fmt.Sprintf("%s=%d", status, n)))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

func printCounts(w io.Writer, elements []*element.Element) {
	fmt.Fprintln(w, formatCounts(countStatuses(elements)))
}

// requestSummary accumulates what we show about a request's elements.
type requestSummary struct {
	counts     map[element.Status]int
	percent    *runningvariance.RunningStat
	jobs       int
	jobsDone   int
	jobsFailed int
	quarantine int
	first      time.Time
	last       time.Time
}

func (rs *requestSummary) add(e *element.Element) {
	rs.counts[e.Status]++
	rs.percent.Push(float64(e.PercentComplete))
	rs.jobs += e.Jobs
	rs.jobsDone += e.JobsDone
	rs.jobsFailed += e.JobsFailed
	if e.Quarantined {
		rs.quarantine++
	}
	if rs.first.IsZero() || e.InsertTime.Before(rs.first) {
		rs.first = e.InsertTime
	}
	if e.UpdateTime.After(rs.last) {
		rs.last = e.UpdateTime
	}
}

func newRequestSummary() *requestSummary {
	return &requestSummary{
		counts:  make(map[element.Status]int),
		percent: runningvariance.NewRunningStat(),
	}
}

// summarise groups elements by request, with a total over all of them if
// there is more than 1 request. It returns the summaries and their keys in
// display order.
func summarise(elements []*element.Element) (map[string]*requestSummary, []string) {
	summaries := make(map[string]*requestSummary)
	all := newRequestSummary()
	for _, e := range elements {
		rs, exists := summaries[e.RequestName]
		if !exists {
			rs = newRequestSummary()
			summaries[e.RequestName] = rs
		}
		rs.add(e)
		all.add(e)
	}

	keys := make([]string, 0, len(summaries)+1)
	for name := range summaries {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	if len(keys) > 1 {
		summaries[allRequests] = all
		keys = append(keys, allRequests)
	}
	return summaries, keys
}

func printSummary(w io.Writer, elements []*element.Element) {
	summaries, keys := summarise(elements)
	for _, name := range keys {
		rs := summaries[name]
		var quarantined string
		if rs.quarantine > 0 {
			quarantined = fmt.Sprintf(" quarantined=%d", rs.quarantine)
		}
		fmt.Fprintf(w, "%s : %s%s complete=%d%%(+/-%d%%) jobs=%d done=%d failed=%d queued=%s updated=%s\n",
			name, formatCounts(rs.counts), quarantined,
			int(rs.percent.Mean()), int(rs.percent.StandardDeviation()),
			rs.jobs, rs.jobsDone, rs.jobsFailed,
			rs.first.Format(shortTimeFormat), rs.last.Format(shortTimeFormat))
	}
}

func printDetails(w io.Writer, elements []*element.Element) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Request", "Task", "Status", "Priority", "Site", "Child", "Jobs", "Complete", "Updated"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)

	for _, e := range elements {
		status := string(e.Status)
		if e.Quarantined {
			status += " (quarantined)"
		}
		table.Append([]string{
			e.ID,
			e.RequestName,
			e.TaskName,
			statusColor(e.Status)(status),
			strconv.Itoa(e.Priority),
			e.Site,
			e.ChildQueueURL,
			strconv.Itoa(e.Jobs),
			strconv.Itoa(e.PercentComplete) + "%",
			e.UpdateTime.Format(shortTimeFormat),
		})
	}

	table.Render()
}
