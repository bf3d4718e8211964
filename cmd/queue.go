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
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/dmwm/workqueue/workqueue"
	"github.com/spf13/cobra"
)

// options for this cmd
var cmdRequests []string
var cmdRequestFile string
var cmdTeam string

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue requests",
	Long: `Queue whole requests with the global wmq manager.

Each request's workflow spec is fetched from the configured specsource, and
its top level task is split in to elements of work, which become available to
local queues straight away.

Name requests with one or more -r options, or in a file given to -f with one
request name per line (- means read from STDIN).

Queueing a request that was already queued adds only the parts of it that are
not yet queued, so it is safe to repeat this command, eg. after new data has
been added to a request's input dataset.

-t sets the team that ends up running the request; only local queues of that
team (or of no team) will get its work.`,
	Run: func(cmd *cobra.Command, args []string) {
		names := requestNames()
		client := mustConnect()
		ctx := context.Background()

		var failed int
		for _, name := range names {
			n, err := client.QueueWork(ctx, name, cmdTeam)
			switch {
			case errors.Is(err, workqueue.ErrCanceled):
				warn("Request %s has been canceled, so can't be queued again", name)
				failed++
			case errors.Is(err, workqueue.ErrSpecValidation):
				warn("Request %s could not be queued: %s", name, err)
				failed++
			case err != nil:
				die("failed to queue request %s: %s", name, err)
			case n == 0:
				info("Request %s was already fully queued", name)
			default:
				info("Queued %d elements for request %s", n, name)
			}
		}

		if failed > 0 {
			die("%d of %d requests could not be queued", failed, len(names))
		}
	},
}

func init() {
	RootCmd.AddCommand(queueCmd)

	// flags specific to this sub-command
	queueCmd.Flags().StringSliceVarP(&cmdRequests, "request", "r", nil, "name of a request to queue (repeatable)")
	queueCmd.Flags().StringVarP(&cmdRequestFile, "file", "f", "", "file containing request names, one per line; - means read from STDIN")
	queueCmd.Flags().StringVarP(&cmdTeam, "team", "t", "", "team that should run the requests")
}

// requestNames gives the request names supplied by -r and -f, dying if there
// are none.
func requestNames() []string {
	names := make([]string, 0, len(cmdRequests))
	names = append(names, cmdRequests...)

	if cmdRequestFile != "" {
		var reader io.Reader
		if cmdRequestFile == "-" {
			reader = os.Stdin
		} else {
			f, err := os.Open(cmdRequestFile)
			if err != nil {
				die("could not open file '%s': %s", cmdRequestFile, err)
			}
			defer func() {
				err = f.Close()
				if err != nil {
					warn("failed to close file '%s': %s", cmdRequestFile, err)
				}
			}()
			reader = f
		}
		fileNames, err := readRequestNames(reader)
		if err != nil {
			die("failed to read request names from '%s': %s", cmdRequestFile, err)
		}
		names = append(names, fileNames...)
	}

	if len(names) == 0 {
		die("at least one request name is required; use -r or -f")
	}
	return names
}

// readRequestNames reads one request name per line, skipping blank lines and
// # comments.
func readRequestNames(r io.Reader) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, scanner.Err()
}
