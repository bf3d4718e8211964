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

package reqmgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmwm/workqueue/element"
	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
	. "github.com/smartystreets/goconvey/convey"
)

func TestSinks(t *testing.T) {
	ctx := context.Background()

	Convey("HTTPSink PUTs notifications", t, func() {
		var got Notification
		var path, method string
		fail := false
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path, method = r.URL.Path, r.Method
			json.NewDecoder(r.Body).Decode(&got) //nolint:errcheck
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
			}
		}))
		defer server.Close()

		s := New(server.URL+"/reqmgr/", time.Second, nil)
		So(s.RequestTerminal(ctx, "req1", element.PartialSuccess), ShouldBeNil)
		So(method, ShouldEqual, http.MethodPut)
		So(path, ShouldEqual, "/reqmgr/req1")
		So(got, ShouldResemble, Notification{Request: "req1", Status: element.PartialSuccess})

		fail = true
		err := s.RequestTerminal(ctx, "req1", element.Done)
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "500")
	})

	Convey("LogSink logs notifications", t, func() {
		store := l15h.NewStore()
		logger := log15.New()
		logger.SetHandler(l15h.StoreHandler(store, log15.LogfmtFormat()))

		s := New("", time.Second, logger)
		So(s.RequestTerminal(ctx, "req1", element.Done), ShouldBeNil)
		logs := store.Logs()
		So(len(logs), ShouldEqual, 1)
		So(logs[0], ShouldContainSubstring, "request=req1")
		So(logs[0], ShouldContainSubstring, "status=Done")

		So(LogSink{}.RequestTerminal(ctx, "req2", element.Failed), ShouldBeNil)
	})
}
