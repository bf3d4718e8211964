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

	"github.com/spf13/cobra"
)

// cancelCmd represents the cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel requests",
	Long: `Cancel requests you previously queued with "wmq queue".

Elements no child queue holds are canceled straight away. Elements held by a
child are marked as CancelRequested, and the child is told to cancel them the
next time it synchronizes; they become Canceled once it reports they have
stopped.

Name requests with one or more -r options, or in a file given to -f with one
request name per line (- means read from STDIN). Canceling a request again does
nothing.`,
	Run: func(cmd *cobra.Command, args []string) {
		names := requestNames()
		client := mustConnect()
		ctx := context.Background()

		for _, name := range names {
			n, err := client.CancelWork(ctx, name)
			if err != nil {
				die("failed to cancel request %s: %s", name, err)
			}
			info("Canceled %d elements of request %s", n, name)
		}
	},
}

func init() {
	RootCmd.AddCommand(cancelCmd)

	// flags specific to this sub-command
	cancelCmd.Flags().StringSliceVarP(&cmdRequests, "request", "r", nil, "name of a request to cancel (repeatable)")
	cancelCmd.Flags().StringVarP(&cmdRequestFile, "file", "f", "", "file containing request names, one per line; - means read from STDIN")
}
