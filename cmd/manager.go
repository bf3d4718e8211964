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
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/catalog"
	"github.com/dmwm/workqueue/internal"
	"github.com/dmwm/workqueue/matcher"
	"github.com/dmwm/workqueue/reqmgr"
	"github.com/dmwm/workqueue/slots"
	"github.com/dmwm/workqueue/wmspec"
	"github.com/dmwm/workqueue/workqueue"
	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
	"github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"
)

// options for this cmd
var foreground bool

// managerCmd represents the manager command
var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Work queue manager",
	Long: `The work queue manager.

The wmq manager works in the background, serving a work queue over HTTP and
running its periodic tasks.

With the default queuerole of "global" it accepts whole requests (see 'wmq
queue'), splits them in to elements and hands those to the local queues that
ask for work.

With a queuerole of "local" it instead pulls elements from the queue at
parenturl, sized to the free job slots given by sitethresholds, splits them for
its agent and reports the agent's progress back to the parent.

You'll need to start this daemon with the 'start' sub-command before you can
achieve anything useful with the other wmq commands.

If the manager fails to start or dies unexpectedly, you can check the logs which
are by default found in ~/.wmq_[deployment]/log.`,
}

// start sub-command starts the daemon
var managerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the work queue manager",
	Long: `Start the work queue manager, daemonizing it in to the background
(unless --foreground option is supplied).`,
	Run: func(cmd *cobra.Command, args []string) {
		// first we need our working directory to exist
		createWorkingDir()

		// check to see if the manager is already running (regardless of the
		// state of the pid file), giving us a meaningful error message in the
		// most obvious case of failure to start
		if client, _ := connect(1 * time.Second); client != nil {
			die("wmq manager on port %s is already running", config.ManagerPort)
		}

		if config.IsLocal() && config.ParentURL == "" {
			die("a local queue needs parenturl to be configured")
		}

		// the daemon runs from /, so relative sources need to be found in
		// our working directory
		config.SpecSource = inManagerDir(config.SpecSource)
		config.CatalogSource = inManagerDir(config.CatalogSource)

		// now daemonize unless in foreground mode
		if foreground {
			syscall.Umask(config.ManagerUmask)
			startQueue(true)
		} else {
			child, context := daemonize(config.ManagerPidFile, config.ManagerUmask)
			if child != nil {
				// parent; wait a while for our child to bring up the manager
				// before exiting
				client, stats := connect(10 * time.Second)
				if client == nil {
					die("wmq manager failed to start on port %s after 10s", config.ManagerPort)
				}
				logStarted(stats.Local)
			} else {
				// daemonized child, that will run until signalled to stop
				defer func() {
					if err := context.Release(); err != nil {
						warn("failed to release pid file: %s", err)
					}
				}()
				startQueue(false)
			}
		}
	},
}

// stop sub-command stops the daemon by sending it a term signal
var managerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the work queue manager",
	Long: `Stop the work queue manager.

All queue state is held in the database, so nothing is lost; elements held by
children stay held, and a restarted manager carries on where it left off.`,
	Run: func(cmd *cobra.Command, args []string) {
		// the daemon could be running but be non-responsive, or it could have
		// exited but left the pid file in place; to best cover all
		// eventualities we check the pid file first, try and terminate its pid,
		// then confirm we can't connect
		pid, err := daemon.ReadPidFile(config.ManagerPidFile)
		if err != nil {
			if client, _ := connect(1 * time.Second); client != nil {
				die("wmq manager is running on port %s, but pid file %s could not be read: %s", config.ManagerPort, config.ManagerPidFile, err)
			}
			die("wmq manager does not seem to be running on port %s", config.ManagerPort)
		}

		if !stopdaemon(pid, "pid file "+config.ManagerPidFile) {
			die("could not stop the wmq manager running with pid %d", pid)
		}

		if client, _ := connect(1 * time.Second); client != nil {
			die("according to the pid file %s, wmq manager was running with pid %d, and I terminated that pid, but the manager is still up on port %s!", config.ManagerPidFile, pid, config.ManagerPort)
		}
		info("wmq manager running on port %s was gracefully shut down", config.ManagerPort)
	},
}

// status sub-command tells if the manger is up or down
var managerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get status of the work queue manager",
	Long:  `Find out if the work queue manager is currently running or not.`,
	Run: func(cmd *cobra.Command, args []string) {
		// see if pid file suggests it is supposed to be running
		pid, err := daemon.ReadPidFile(config.ManagerPidFile)
		client, stats := connect(1 * time.Second)
		if err == nil && client == nil {
			die("wmq manager on port %s is supposed to be running with pid %d, but is non-responsive", config.ManagerPort, pid)
		}

		switch {
		case client == nil:
			fmt.Println("stopped")
		case stats.Degraded:
			fmt.Println("degraded")
		default:
			fmt.Println("started")
		}
	},
}

func init() {
	RootCmd.AddCommand(managerCmd)
	managerCmd.AddCommand(managerStartCmd)
	managerCmd.AddCommand(managerStopCmd)
	managerCmd.AddCommand(managerStatusCmd)

	// flags specific to these sub-commands
	managerStartCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "do not daemonize")
}

// inManagerDir makes relative file sources relative to our ManagerDir. URLs
// and absolute paths are left alone.
func inManagerDir(source string) string {
	if source == "" || filepath.IsAbs(source) || strings.Contains(source, "://") {
		return source
	}
	return filepath.Join(config.ManagerDir, source)
}

func logStarted(local bool) {
	role := internal.RoleGlobal
	if local {
		role = internal.RoleLocal
	}
	info("wmq manager started as a %s queue at %s", role, managerURL())
}

// managerLogger logs to our configured log file, falling back on STDERR.
func managerLogger() log15.Logger {
	logger := log15.New()
	level := log15.LvlInfo
	if debug {
		level = log15.LvlDebug
	}

	fh, err := log15.FileHandler(config.ManagerLogFile, log15.LogfmtFormat())
	if err != nil {
		warn("could not log to %s, will log to STDERR: %v", config.ManagerLogFile, err)
		fh = log15.StderrHandler
	}
	logger.SetHandler(log15.LvlFilterHandler(level, l15h.CallerInfoHandler(fh)))
	return logger
}

// buildQueue makes the WorkQueue our config describes, and the Local that
// drives it if we are a local queue.
func buildQueue(logger log15.Logger) (*workqueue.WorkQueue, *workqueue.Local, error) {
	timeout := internal.Seconds(config.RequestTimeoutSeconds)

	path := config.ManagerDbFile
	if config.Backend == backend.KindPgx {
		path = config.BackendDSN
	}
	b, err := backend.Open(backend.Config{Kind: config.Backend, Path: path, PageSize: config.QueryPageSize})
	if err != nil {
		return nil, nil, err
	}

	q, local, err := newQueue(b, timeout, logger)
	if err != nil {
		if errc := b.Close(); errc != nil {
			logger.Warn("failed to close backend", "err", errc)
		}
		return nil, nil, err
	}
	return q, local, nil
}

// newQueue makes our WorkQueue on top of the given backend.
func newQueue(b backend.Backend, timeout time.Duration, logger log15.Logger) (*workqueue.WorkQueue, *workqueue.Local, error) {
	specs, err := wmspec.NewProvider(config.SpecSource, timeout)
	if err != nil {
		return nil, nil, err
	}

	var cat catalog.Catalog
	if !config.IsLocal() {
		cat, err = catalog.New(config.CatalogSource, internal.Seconds(config.CatalogCacheSeconds), timeout)
		if err != nil {
			return nil, nil, err
		}
	}

	var ager matcher.Ager
	if config.AgingPerHour > 0 {
		ager = matcher.LinearAging{PerHour: float64(config.AgingPerHour), Max: float64(config.AgingMax)}
	}

	q, err := workqueue.New(workqueue.Config{
		Backend:            b,
		Specs:              specs,
		Catalog:            cat,
		Sink:               reqmgr.New(config.ReqMgrURL, timeout, logger),
		Ager:               ager,
		Logger:             logger,
		URL:                config.QueueURL,
		Local:              config.IsLocal(),
		JobsPerElement:     config.JobsPerElement,
		NegotiationTimeout: internal.Seconds(config.NegotiationTimeoutSeconds),
		Retention:          time.Duration(config.RetentionHours) * time.Hour,
		BackoffMin:         time.Duration(config.BackoffMinMs) * time.Millisecond,
		BackoffMax:         time.Duration(config.BackoffMaxMs) * time.Millisecond,
		BackendRetries:     config.BackendRetries,
	})
	if err != nil {
		return nil, nil, err
	}

	if !config.IsLocal() {
		return q, nil, nil
	}

	thresholds, err := config.Thresholds()
	if err != nil {
		q.Close()
		return nil, nil, err
	}
	// the parent takes off what we already hold, so we offer whole thresholds
	source := slots.NewThresholds(slots.NewFromThresholds(thresholds), nil)
	local, err := workqueue.NewLocal(q, workqueue.NewClient(config.ParentURL, timeout), source, config.Team)
	if err != nil {
		q.Close()
		return nil, nil, err
	}
	return q, local, nil
}

func startQueue(sayStarted bool) {
	runtime.GOMAXPROCS(runtime.NumCPU())

	logger := managerLogger()

	q, local, err := buildQueue(logger)
	if err != nil {
		logger.Crit("wmq manager failed to start", "err", err)
		die("wmq manager failed to start: %s", err)
	}
	defer func() {
		q.Close()
		if errc := q.Backend().Close(); errc != nil {
			logger.Warn("failed to close backend", "err", errc)
		}
	}()

	var pollInterval, syncInterval time.Duration
	if local != nil {
		pollInterval = internal.Seconds(config.PollSeconds)
		syncInterval = internal.Seconds(config.SyncSeconds)
	}

	server, err := workqueue.Serve(workqueue.ServerConfig{
		Port:              config.ManagerPort,
		Queue:             q,
		Local:             local,
		PollInterval:      pollInterval,
		SyncInterval:      syncInterval,
		HousekeepInterval: internal.Seconds(config.HousekeepSeconds),
		Metrics:           !config.MetricsDisabled,
		Logger:            logger,
	})
	if err != nil {
		logger.Crit("wmq manager failed to start", "err", err)
		die("wmq manager failed to start: %s", err)
	}

	if sayStarted {
		logStarted(local != nil)
	}
	logger.Info("wmq manager started", "url", server.ServerInfo.URL, "role", server.ServerInfo.Role, "pid", server.ServerInfo.PID)

	// block forever while the queue does its work
	err = server.Block()
	switch {
	case errors.Is(err, workqueue.ErrClosedSignal):
		logger.Info("wmq manager gracefully stopped (received a signal)", "url", server.ServerInfo.URL)
	case errors.Is(err, workqueue.ErrClosedStop):
		logger.Info("wmq manager gracefully stopped", "url", server.ServerInfo.URL)
	case err != nil:
		logger.Error("wmq manager exited unexpectedly", "url", server.ServerInfo.URL, "err", err)
	}
}
