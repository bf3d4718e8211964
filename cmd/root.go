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

// this is the cobra file that enables subcommands and handles command-line args

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/dmwm/workqueue/internal"
	"github.com/dmwm/workqueue/workqueue"
	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
	"github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"
)

// appLogger is used for logging events in our commands
var appLogger = log15.New()

// these variables are accessible by all subcommands.
var deployment string
var config internal.Config

// these are shared by some of the subcommands.
var timeoutint int
var debug bool

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "wmq",
	Short: "wmq is a hierarchical work queue for workflow requests.",
	Long: `wmq is a hierarchical work queue for workflow requests.

A global queue splits whole requests in to elements of work. Local queues,
one per agent, pull elements from the global queue according to the job slots
free at their sites, split them further, hand them to their agent and report
progress back up.

Initially, you start a global queue:
$ wmq manager start

Then you queue the requests you want worked on:
$ wmq queue -r my_request

Local queues are started with the queuerole config option set to "local" and
parenturl pointing at the global queue. You can monitor progress with:
$ wmq status`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once to
// the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		die(err.Error())
	}
}

func init() {
	// set up logging to stderr
	appLogger.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StderrHandler))

	// global flags
	RootCmd.PersistentFlags().StringVar(&deployment, "deployment", internal.DefaultDeployment(appLogger), "use production or development config")
	RootCmd.PersistentFlags().IntVar(&timeoutint, "timeout", 30, "how long (seconds) to wait to get a reply from 'wmq manager'")
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level, with caller info")

	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config = internal.ConfigLoad(deployment, false, appLogger)
	if debug {
		appLogger = setupLogging(true)
	}
}

// managerURL is where clients find the manager of our deployment.
func managerURL() string {
	return "http://" + config.ManagerHost + ":" + config.ManagerPort
}

// info is a convenience to log a message at the Info level.
func info(msg string, a ...interface{}) {
	appLogger.Info(fmt.Sprintf(msg, a...))
}

// warn is a convenience to log a message at the Warn level.
func warn(msg string, a ...interface{}) {
	appLogger.Warn(fmt.Sprintf(msg, a...))
}

// die is a convenience to log a message at the Error level and exit non zero.
func die(msg string, a ...interface{}) {
	appLogger.Error(fmt.Sprintf(msg, a...))
	os.Exit(1)
}

// createWorkingDir ensures the main working directory is available
func createWorkingDir() {
	_, err := os.Stat(config.ManagerDir)
	if err != nil {
		if os.IsNotExist(err) {
			// try and create the directory
			err = os.MkdirAll(config.ManagerDir, os.ModePerm)
			if err != nil {
				die("could not create the working directory '%s': %v", config.ManagerDir, err)
			}
		} else {
			die("could not access or create the working directory '%s': %v", config.ManagerDir, err)
		}
	}
}

// daemonize spawns a child copy of ourselves with the correct deployment (we
// need to be careful because the default deployment depends on current dir, and
// the child is forced to run from /). Supplying extraArgs can override earlier
// args (to eg. re-specify an option with a relative path with an absolute
// path).
func daemonize(pidFile string, umask int, extraArgs ...string) (*os.Process, *daemon.Context) {
	args := os.Args
	hadDeployment := false
	for _, arg := range args {
		if arg == "--deployment" {
			hadDeployment = true
			break
		}
	}
	if !hadDeployment {
		args = append(args, "--deployment")
		args = append(args, config.Deployment)
	}

	args = append(args, extraArgs...)

	context := &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
		WorkDir:     "/",
		Args:        args,
		Umask:       umask,
	}

	child, err := context.Reborn()
	if err != nil {
		// try again, deleting the pidFile first
		errr := os.Remove(pidFile)
		if errr != nil && !os.IsNotExist(errr) {
			warn("failed to delete existing pid file: %s", errr)
		}

		child, err = context.Reborn()
		if err != nil {
			die("failed to daemonize: %s", err)
		}
	}
	return child, context
}

// stopdaemon stops the daemon created by daemonize() by sending it SIGTERM and
// checking it really exited
func stopdaemon(pid int, source string) bool {
	err := syscall.Kill(pid, syscall.SIGTERM)
	if err != nil {
		warn("wmq manager is running with pid %d according to %s, but failed to send it SIGTERM: %s", pid, source, err)
		return false
	}

	// wait a while for the daemon to gracefully close down
	giveupseconds := 120
	giveup := time.After(time.Duration(giveupseconds) * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	ok := false
STOPPED:
	for {
		select {
		case <-ticker.C:
			if errk := syscall.Kill(pid, syscall.Signal(0)); errk == nil {
				// pid is still running
				continue
			}
			ok = true
			break STOPPED
		case <-giveup:
			break STOPPED
		}
	}

	if !ok {
		warn("wmq manager, running with pid %d according to %s, is still running %ds after I sent it a SIGTERM", pid, source, giveupseconds)
	}

	return ok
}

// connect gives you a client of the manager, after confirming it is up by
// getting its stats within the wait time. Returns nil if the manager could not
// be reached.
func connect(wait time.Duration) (*workqueue.Client, *workqueue.Stats) {
	client := workqueue.NewClient(managerURL(), time.Duration(timeoutint)*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		stats, err := client.Stats(ctx)
		if err == nil {
			return client, stats
		}
		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// mustConnect is connect() that dies if the manager can't be reached.
func mustConnect() *workqueue.Client {
	client, _ := connect(time.Duration(timeoutint) * time.Second)
	if client == nil {
		die("could not reach the wmq manager at %s; has it been started?", managerURL())
	}
	return client
}

// setupLogging is a function to provide a new logger who's logging depends on
// debug.
func setupLogging(debug bool) log15.Logger {
	myLogger := log15.New()
	logLevel := log15.LvlInfo
	if debug {
		logLevel = log15.LvlDebug
	}
	myLogger.SetHandler(log15.LvlFilterHandler(logLevel, l15h.CallerInfoHandler(log15.StderrHandler)))
	return myLogger
}
