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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultYML = `# The format of this file is YAML

# managerport: What port should the wmq manager listen on?
# This defaults to "xxxxx", where xxxxx is 11300 + 2*[your user id] + 0 if
# production or + 1 if development. Note, this is a string (quoted).
# NB: It is very important to have different settings for your production
# manager and your development manager, and for every manager running on the
# same machine.
#managerport: "11300"

# managerhost: What host was 'wmq manager' started on?
# This is optional and defaults to "localhost". It determines where wmq
# commands (other than the manager command) try and connect to your manager.
managerhost: "localhost"

# managerdir: Where should the wmq manager store its working files?
# The final directory name will be suffixed with "_[deployment]", eg. by default
# when developing the directory will be ~/.wmq_development.
managerdir: "~/.wmq"

# managerpidfile, managerlogfile, managerdbfile: Where should the wmq manager
# store its pid file, its log and its bolt or sqlite3 database? Relative paths
# are relative to managerdir.
managerpidfile: "pid"
managerlogfile: "log"
managerdbfile: "db"

# managerumask: The umask of the daemonized manager.
managerumask: 007

# queuerole: "global" for a queue that accepts whole requests, or "local" for a
# queue that pulls work from the queue at parenturl for a single agent.
queuerole: "global"

# queueurl: The URL other queues know this one by. Local queues identify
# themselves to their parent with it. Defaults to http://[managerhost]:[managerport].
#queueurl: ""

# parenturl: For local queues, the URL of the queue to pull work from.
#parenturl: "http://global.example.com:11300"

# team: For local queues, only pull work queued for this team (or no team).
#team: ""

# sitethresholds: For local queues, the job slots available at each site, in
# the form "SiteA:100,SiteB:20". Work is pulled until the work held from the
# parent fills these slots.
#sitethresholds: ""

# backend: Where the queue is stored: "bolt", "sqlite3" or "pgx" (PostgreSQL).
backend: "bolt"

# backenddsn: For the pgx backend, the connection string to use.
#backenddsn: "postgres://wmq@localhost:5432/wmq"

# specsource: A directory of <request>.yml workflow specs, or the base URL of
# an HTTP service serving them. Relative paths are relative to managerdir.
specsource: "specs"

# catalogsource: A YAML file describing the blocks of each dataset, or the base
# URL of an HTTP data catalog. Relative paths are relative to managerdir.
catalogsource: "catalog.yml"

# catalogcacheseconds: How long to cache HTTP catalog answers for.
catalogcacheseconds: 300

# reqmgrurl: The base URL of the request manager to tell about requests that
# have finished. If unset, finished requests are just logged.
#reqmgrurl: ""

# pollseconds, syncseconds, housekeepseconds: How often a local queue pulls
# new work and reports up to its parent, and how often any queue tidies
# itself up.
pollseconds: 60
syncseconds: 60
housekeepseconds: 300

# negotiationtimeoutseconds: How long a child has to acknowledge work it
# reserved before the work is made available again.
negotiationtimeoutseconds: 600

# retentionhours: How long finished elements are kept before being archived.
retentionhours: 168

# agingperhour, agingmax: How much to raise the effective priority of waiting
# work per hour, up to a maximum boost (0 for no maximum).
agingperhour: 0
agingmax: 0

# jobsperelement: How many jobs an element is estimated to need when its
# workflow doesn't say.
jobsperelement: 1

# backoffminms, backoffmaxms, backendretries: How transient backend errors are
# retried before the queue reports itself degraded.
backoffminms: 100
backoffmaxms: 10000
backendretries: 5

# requesttimeoutseconds: Timeout for calls to the parent queue, spec service,
# data catalog and request manager.
requesttimeoutseconds: 30

# querypagesize: How many elements are read from the backend at a time.
querypagesize: 500

# metricsdisabled: Set true to stop the manager serving prometheus metrics on
# /metrics.
metricsdisabled: false
`

// options for this cmd
var confDefault bool

// confCmd represents the conf command
var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "Get config",
	Long: `See all the config options that are active and where they came from.

To see the default settings along with a description of what each option does,
use the --default option.

wmq will load its configuration settings from one or more files named
.wmq_config[.production|.development].yml found in these directories, in order
of precedence:
1) The current directory
2) Your home directory
3) The directory pointed to by the environment variable $WMQ_CONFIG_DIR

.wmq_config.yml files are always read, and can be used to define settings
common to both production and development deployments.
.wmq_config.production.yml files are only read in a production context:
either a --deployment production option has been passed to the wmq executable,
or the environment variable $WMQ_DEPLOYMENT has been set to 'production'.
A similar story applies for .wmq_config.development.yml files, which are used
when things are set to 'development'.
The default deployment is production (unless you're in the git repository for
wmq, in which case it is development).

Settings can also be set with an environment variable: WMQ_<setting name in
caps>. Eg. to make the manager a local queue you might do:
export WMQ_QUEUEROLE="local"`,
	Run: func(cmd *cobra.Command, args []string) {
		if confDefault {
			fmt.Print(defaultYML)
			os.Exit(0)
		}

		fmt.Printf("%s", config)
	},
}

func init() {
	RootCmd.AddCommand(confCmd)

	// flags specific to this sub-command
	confCmd.Flags().BoolVarP(&confDefault, "default", "d", false, "print default config yml file to STDOUT")
}
