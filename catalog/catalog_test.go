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

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestCatalog(t *testing.T) {
	ctx := context.Background()

	Convey("Static catalogs can be loaded from YAML", t, func() {
		dir, err := os.MkdirTemp("", "wmq_catalog_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "catalog.yml")
		yml := `/A/B/C:
  - name: blk1
    files: 10
    events: 1000
    locations: [SiteA]
  - name: blk2
    files: 4
    open: true
    locations: []
/D/E/F: []
`
		So(os.WriteFile(path, []byte(yml), 0600), ShouldBeNil)

		c, err := New(path, time.Minute, time.Second)
		So(err, ShouldBeNil)

		blocks, err := c.Blocks(ctx, "/A/B/C")
		So(err, ShouldBeNil)
		So(len(blocks), ShouldEqual, 2)
		So(blocks[0].Files, ShouldEqual, 10)
		So(blocks[0].Locations, ShouldResemble, []string{"SiteA"})
		So(blocks[1].Open, ShouldBeTrue)
		So(blocks[1].Locations, ShouldBeEmpty)

		blocks[0].Locations[0] = "SiteZ"
		blocks, _ = c.Blocks(ctx, "/A/B/C")
		So(blocks[0].Locations[0], ShouldEqual, "SiteA")

		blocks, err = c.Blocks(ctx, "/D/E/F")
		So(err, ShouldBeNil)
		So(blocks, ShouldBeEmpty)

		_, err = c.Blocks(ctx, "/X/Y/Z")
		So(errors.Is(err, ErrUnknownDataset), ShouldBeTrue)

		_, err = New(filepath.Join(dir, "missing.yml"), time.Minute, time.Second)
		So(err, ShouldNotBeNil)
	})

	Convey("HTTP catalogs cache answers until forgotten", t, func() {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			if r.URL.Query().Get("dataset") != "/A/B/C" {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode([]Block{{Name: "blk1", Files: 10, Locations: []string{"SiteA"}}}) //nolint:errcheck
		}))
		defer server.Close()

		c, err := New(server.URL+"/blocks", time.Minute, 5*time.Second)
		So(err, ShouldBeNil)
		h := c.(*HTTP)

		blocks, err := h.Blocks(ctx, "/A/B/C")
		So(err, ShouldBeNil)
		So(blocks[0].Name, ShouldEqual, "blk1")
		_, err = h.Blocks(ctx, "/A/B/C")
		So(err, ShouldBeNil)
		So(atomic.LoadInt32(&hits), ShouldEqual, 1)

		h.Forget("/A/B/C")
		_, err = h.Blocks(ctx, "/A/B/C")
		So(err, ShouldBeNil)
		So(atomic.LoadInt32(&hits), ShouldEqual, 2)

		_, err = h.Blocks(ctx, "/X/Y/Z")
		So(errors.Is(err, ErrUnknownDataset), ShouldBeTrue)
	})
}
