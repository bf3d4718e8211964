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

// This file contains error handling code.

import "errors"

// workqueue has some typical errors
var (
	ErrSpecValidation = errors.New("workflow spec could not be resolved")
	ErrNotOwner       = errors.New("element is not held by this child queue")
	ErrDegraded       = errors.New("backend unavailable after retries")
	ErrNoChild        = errors.New("child queue URL is required")
	ErrClosedStop     = errors.New("queue server stopped")
	ErrClosedSignal   = errors.New("queue server received a signal")
	ErrBadFilter      = errors.New("invalid filter expression")
	ErrRemote         = errors.New("remote queue returned an error")
	ErrCanceled       = errors.New("request has been canceled")
	ErrNoQueue        = errors.New("a WorkQueue to serve is required")
)

// Error records an error and the operation and item that caused it.
type Error struct {
	Op   string // name of the method
	Item string // the request name, element ID or child queue URL
	Err  error  // one of our Err* vars, or an underlying error
}

func (e Error) Error() string {
	return "workqueue " + e.Op + "(" + e.Item + "): " + e.Err.Error()
}

// Unwrap lets errors.Is() find our Err* vars.
func (e Error) Unwrap() error {
	return e.Err
}
