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

package wmspec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func testWorkflow() *Workflow {
	return &Workflow{
		Name:     "req1",
		Priority: 10,
		Tasks: []Task{{
			Name:               "Processing",
			InputDataset:       "/A/B/C",
			SplittingAlgorithm: FileBased,
			SplittingArguments: map[string]int{ArgFilesPerJob: 5},
		}},
	}
}

func TestWorkflow(t *testing.T) {
	Convey("Valid workflows validate", t, func() {
		wf := testWorkflow()
		So(wf.Validate(), ShouldBeNil)
		So(wf.Tasks[0].Policy(), ShouldEqual, StartBlock)
		So(wf.Tasks[0].PerJob(), ShouldEqual, 5)
		So(wf.Tasks[0].IsMonteCarlo(), ShouldBeFalse)

		Convey("Monte Carlo tasks use the MonteCarlo policy", func() {
			wf.Tasks[0] = Task{
				Name:               "Production",
				SplittingAlgorithm: EventBased,
				SplittingArguments: map[string]int{ArgEventsPerJob: 100},
				RequestNumEvents:   1000,
			}
			So(wf.Validate(), ShouldBeNil)
			So(wf.Tasks[0].Policy(), ShouldEqual, StartMonteCarlo)
		})
	})

	Convey("Invalid workflows report all their problems", t, func() {
		wf := testWorkflow()
		wf.Tasks = append(wf.Tasks,
			Task{Name: "Processing", InputDataset: "/D/E/F", SplittingAlgorithm: "Magic"},
			Task{Name: "Merge", InputDataset: "/D/E/F", SplittingAlgorithm: LumiBased},
			Task{Name: "Gen", SplittingAlgorithm: FileBased, SplittingArguments: map[string]int{ArgFilesPerJob: 1}},
			Task{Name: "Skim", InputDataset: "/D/E/F", StartPolicy: "Weird", SplittingAlgorithm: FileBased, SplittingArguments: map[string]int{ArgFilesPerJob: 1}},
		)
		err := wf.Validate()
		So(errors.Is(err, ErrInvalid), ShouldBeTrue)
		msg := err.Error()
		So(msg, ShouldContainSubstring, "defined twice")
		So(msg, ShouldContainSubstring, "unknown splitting algorithm")
		So(msg, ShouldContainSubstring, "lumis_per_job")
		So(msg, ShouldContainSubstring, "request_num_events")
		So(msg, ShouldContainSubstring, "unknown start policy")

		wf = &Workflow{}
		err = wf.Validate()
		So(err.Error(), ShouldContainSubstring, "no name")
		So(err.Error(), ShouldContainSubstring, "no tasks")
	})
}

func TestProviders(t *testing.T) {
	ctx := context.Background()

	Convey("Static provides copies of what it was given", t, func() {
		s := NewStatic(testWorkflow())
		wf, err := s.Get(ctx, "req1")
		So(err, ShouldBeNil)
		So(wf.Priority, ShouldEqual, 10)
		wf.Priority = 1
		wf, _ = s.Get(ctx, "req1")
		So(wf.Priority, ShouldEqual, 10)

		_, err = s.Get(ctx, "req2")
		So(errors.Is(err, ErrNotFound), ShouldBeTrue)
	})

	Convey("DirProvider reads YAML files", t, func() {
		dir, err := os.MkdirTemp("", "wmq_wmspec_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		yml := `priority: 3
tasks:
  - name: Processing
    input_dataset: /A/B/C
    splitting_algorithm: FileBased
    splitting_arguments:
      files_per_job: 5
    site_whitelist: [SiteA]
`
		So(os.WriteFile(filepath.Join(dir, "req1.yml"), []byte(yml), 0600), ShouldBeNil)
		So(os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("tasks: {"), 0600), ShouldBeNil)

		d := NewDirProvider(dir)
		wf, err := d.Get(ctx, "req1")
		So(err, ShouldBeNil)
		So(wf.Name, ShouldEqual, "req1")
		So(wf.Priority, ShouldEqual, 3)
		So(wf.Tasks[0].SiteWhitelist, ShouldResemble, []string{"SiteA"})
		So(wf.Validate(), ShouldBeNil)

		_, err = d.Get(ctx, "missing")
		So(errors.Is(err, ErrNotFound), ShouldBeTrue)

		_, err = d.Get(ctx, "../req1")
		So(errors.Is(err, ErrNotFound), ShouldBeTrue)

		_, err = d.Get(ctx, "bad")
		So(errors.Is(err, ErrInvalid), ShouldBeTrue)
	})

	Convey("HTTPProvider fetches and caches JSON specs", t, func() {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			if !strings.HasSuffix(r.URL.Path, "/req1") {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(testWorkflow()) //nolint:errcheck
		}))
		defer server.Close()

		p, err := NewProvider(server.URL+"/specs/", 5*time.Second)
		So(err, ShouldBeNil)
		wf, err := p.Get(ctx, "req1")
		So(err, ShouldBeNil)
		So(wf.Tasks[0].InputDataset, ShouldEqual, "/A/B/C")

		_, err = p.Get(ctx, "req1")
		So(err, ShouldBeNil)
		So(atomic.LoadInt32(&hits), ShouldEqual, 1)

		_, err = p.Get(ctx, "req2")
		So(errors.Is(err, ErrNotFound), ShouldBeTrue)

		d, err := NewProvider("/some/dir", time.Second)
		So(err, ShouldBeNil)
		_, isDir := d.(*DirProvider)
		So(isDir, ShouldBeTrue)
	})
}
