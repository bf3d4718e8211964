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
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/element"
	"github.com/fatih/color"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCmd(t *testing.T) {
	color.NoColor = true

	Convey("Request names can be read one per line", t, func() {
		names, err := readRequestNames(strings.NewReader("req1\n\n  req2  \n# a comment\nreq3\n"))
		So(err, ShouldBeNil)
		So(names, ShouldResemble, []string{"req1", "req2", "req3"})
	})

	Convey("Status flags become a Filter", t, func() {
		defer func() {
			statusRequest, statusStates, statusInbox, showQuarantined = "", "", "", false
		}()
		statusRequest = "req1"
		statusStates = "Available, Running"
		statusInbox = "exclude"
		showQuarantined = true

		filter, err := statusFilter()
		So(err, ShouldBeNil)
		So(filter, ShouldResemble, backend.Filter{
			RequestName:        "req1",
			Statuses:           []element.Status{element.Available, element.Running},
			Inbox:              backend.InboxExcluded,
			IncludeQuarantined: true,
		})

		statusStates = "Bogus"
		_, err = statusFilter()
		So(err, ShouldNotBeNil)

		statusStates = ""
		statusInbox = "sometimes"
		_, err = statusFilter()
		So(err, ShouldNotBeNil)
	})

	Convey("Elements can be counted and summarised", t, func() {
		now := time.Now()
		elements := []*element.Element{
			{ID: "1", RequestName: "req1", Status: element.Done, PercentComplete: 100, Jobs: 2, JobsDone: 2, InsertTime: now, UpdateTime: now},
			{ID: "2", RequestName: "req1", Status: element.Running, PercentComplete: 50, Jobs: 2, InsertTime: now, UpdateTime: now},
			{ID: "3", RequestName: "req2", Status: element.Available, Jobs: 1, Quarantined: true, InsertTime: now, UpdateTime: now},
		}

		So(formatCounts(countStatuses(elements)), ShouldEqual, "Available=1 Running=1 Done=1")
		So(formatCounts(countStatuses(nil)), ShouldEqual, "none")

		summaries, keys := summarise(elements)
		So(keys, ShouldResemble, []string{"req1", "req2", allRequests})
		So(summaries["req1"].percent.Mean(), ShouldEqual, 75.0)
		So(summaries["req1"].jobsDone, ShouldEqual, 2)
		So(summaries["req2"].quarantine, ShouldEqual, 1)
		So(summaries[allRequests].jobs, ShouldEqual, 5)

		_, keys = summarise(elements[:2])
		So(keys, ShouldResemble, []string{"req1"})

		var buf bytes.Buffer
		printSummary(&buf, elements)
		out := buf.String()
		So(out, ShouldContainSubstring, "req1 : Running=1 Done=1 complete=75%(+/-")
		So(out, ShouldContainSubstring, "req2 : Available=1 quarantined=1")

		buf.Reset()
		printDetails(&buf, elements)
		So(buf.String(), ShouldContainSubstring, "Available (quarantined)")
	})

	Convey("Relative sources are found in the manager dir", t, func() {
		config.ManagerDir = "/tmp/wmq_test"
		defer func() {
			config.ManagerDir = ""
		}()
		So(inManagerDir("specs"), ShouldEqual, filepath.Join("/tmp/wmq_test", "specs"))
		So(inManagerDir("/abs/specs"), ShouldEqual, "/abs/specs")
		So(inManagerDir("https://specs.example.com"), ShouldEqual, "https://specs.example.com")
		So(inManagerDir(""), ShouldEqual, "")
	})
}
