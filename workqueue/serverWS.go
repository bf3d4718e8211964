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

// This file contains the websocket that streams element status changes.

import (
	"context"
	"net/http"
	"time"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/element"
	"github.com/dmwm/workqueue/internal"
	"github.com/gorilla/websocket"
	logext "github.com/inconshreveable/log15/ext"
	sync "github.com/sasha-s/go-deadlock"
)

const (
	statusWSEndpoint = "/status_ws"
	wsQueryTimeout   = 30 * time.Second
)

// wsRequest is what a websocket client sends to get the current elements of a
// request, optionally filtered by a CEL expression.
type wsRequest struct {
	Request string `json:"request"`
	Filter  string `json:"filter,omitempty"`
}

// WSMessage is what we send down the websocket: either a single Transition as
// it happens, or the Elements asked for with a wsRequest.
type WSMessage struct {
	Transition *Transition        `json:"transition,omitempty"`
	Request    string             `json:"request,omitempty"`
	Elements   []*element.Element `json:"elements,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// webSocket upgrades the connection.
func webSocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	var upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Could not open websocket connection", http.StatusBadRequest)
		return conn, false
	}
	return conn, true
}

// statusWS streams every element Transition to the client, and answers its
// wsRequests.
func statusWS(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := webSocket(w, r)
		if !ok {
			s.Error("Failed to set up websocket", "Host", r.Host)
			return
		}

		writeMutex := &sync.Mutex{}
		storedName := s.storeWebSocketConnection(conn)

		// when the reading goroutine closes we will end the other
		stopper := make(chan bool)
		feed := s.q.Transitions()

		// go routine to read client requests and respond to them
		go func(conn *websocket.Conn, connStorageName string, stop chan bool) {
			defer internal.LogPanic(s.Logger, "workqueue websocket client handling", false)

			defer func() {
				s.closeWebSocketConnection(connStorageName)
				close(stop)
			}()

			for {
				req := wsRequest{}
				errr := conn.ReadJSON(&req)
				if errr != nil {
					// client went away or server shutdown
					break
				}
				if req.Request == "" {
					continue
				}

				msg := &WSMessage{Request: req.Request}
				ctx, cancel := context.WithTimeout(context.Background(), wsQueryTimeout)
				es, errs := s.q.Status(ctx, backend.Filter{
					RequestName:        req.Request,
					IncludeQuarantined: true,
				}, req.Filter)
				cancel()
				if errs != nil {
					msg.Error = errs.Error()
				} else {
					msg.Elements = es
				}

				writeMutex.Lock()
				errw := conn.WriteJSON(msg)
				writeMutex.Unlock()
				if errw != nil {
					s.Warn("status websocket write failed", "err", errw)
					break
				}
			}
		}(conn, storedName, stopper)

		// go routine to push status changes as they happen
		go func(conn *websocket.Conn, feed *TransitionFeed, stop chan bool) {
			defer internal.LogPanic(s.Logger, "workqueue websocket status updating", false)
			defer feed.Close()

			for {
				select {
				case <-stop:
					return
				case transition, open := <-feed.C:
					if !open {
						return
					}
					writeMutex.Lock()
					err := conn.WriteJSON(&WSMessage{Transition: transition})
					writeMutex.Unlock()
					if err != nil {
						s.Debug("status websocket push failed", "err", err)
						return
					}
				}
			}
		}(conn, feed, stopper)
	}
}

// storeWebSocketConnection stores a connection and returns a unique name so
// you can close it later with closeWebSocketConnection().
func (s *Server) storeWebSocketConnection(conn *websocket.Conn) string {
	s.wsmutex.Lock()
	defer s.wsmutex.Unlock()
	unique := logext.RandId(8)
	s.wsconns[unique] = conn
	return unique
}

// closeWebSocketConnection closes the connection that was stored with
// storeWebSocketConnection() and that returned the given unique string.
// Closing it this way means that during Server shutdown we won't try and close
// it again.
func (s *Server) closeWebSocketConnection(unique string) {
	s.wsmutex.Lock()
	defer s.wsmutex.Unlock()
	conn, found := s.wsconns[unique]
	if !found {
		return
	}
	err := conn.Close()
	if err != nil {
		s.Warn("websocket close failed", "err", err)
	}
	delete(s.wsconns, unique)
}
