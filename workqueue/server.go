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

// This file contains the functions to run a server that exposes a WorkQueue
// over HTTP and runs its periodic tasks.

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmwm/workqueue/internal"
	"github.com/gorilla/websocket"
	"github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	deadlock "github.com/sasha-s/go-deadlock"
)

// ServerVersion gets set during build:
// go build -ldflags "-X github.com/dmwm/workqueue/workqueue.ServerVersion=`git describe --tags --always --long --dirty`"
var ServerVersion = "dev"

// ServerConfig is supplied to Serve() to configure your server. Queue is
// required.
type ServerConfig struct {
	// Port to listen on; "0" picks any free port, which you can find out from
	// the ServerInfo of the returned Server.
	Port string

	// Queue is the WorkQueue to serve.
	Queue *WorkQueue

	// Local, if set, makes us pull work from its parent every PollInterval
	// and report back to it every SyncInterval. It must wrap Queue.
	Local *Local

	// How often to run each of our periodic tasks; 0 disables the task.
	PollInterval      time.Duration
	SyncInterval      time.Duration
	HousekeepInterval time.Duration

	// Metrics enables the prometheus /metrics endpoint.
	Metrics bool

	// Logger receives our log messages; nil discards them.
	Logger log15.Logger
}

// ServerInfo holds basic addressing info about the server.
type ServerInfo struct {
	Addr string // ip:port
	Host string // hostname
	Port string // port
	PID  int    // process id
	Role string // global or local
	URL  string // the URL of the queue
}

// Server is used to serve a WorkQueue over HTTP, and to run its periodic
// tasks, until you call Stop() or the process receives SIGINT or SIGTERM.
type Server struct {
	ServerInfo      *ServerInfo
	q               *WorkQueue
	local           *Local
	scheduler       *Scheduler
	httpServer      *http.Server
	wsconns         map[string]*websocket.Conn
	wsmutex         deadlock.Mutex
	stopSigHandling chan bool
	done            chan error
	wg              *sync.WaitGroup
	up              bool
	blocking        bool
	ssmutex         deadlock.RWMutex // "server state mutex" to protect up and blocking
	log15.Logger
}

// Serve starts listening for HTTP requests to the configured queue, and
// starts its periodic tasks. It returns once the server is ready; call Block()
// to wait until it stops.
func Serve(config ServerConfig) (s *Server, err error) {
	var serverLogger log15.Logger
	if config.Logger == nil {
		serverLogger = log15.New()
		serverLogger.SetHandler(log15.DiscardHandler())
	} else {
		serverLogger = config.Logger.New()
	}
	defer internal.LogPanic(serverLogger, "workqueue Serve", true)

	if config.Queue == nil {
		return nil, Error{Op: "Serve", Item: config.Port, Err: ErrNoQueue}
	}
	if config.Local != nil && config.Local.WorkQueue != config.Queue {
		return nil, Error{Op: "Serve", Item: config.Port, Err: ErrNoQueue}
	}

	// we need to handle being killed by signals so that we can shut down
	// gracefully
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	ln, err := net.Listen("tcp", ":"+config.Port)
	if err != nil {
		signal.Stop(sigs)
		return nil, Error{Op: "Serve", Item: config.Port, Err: err}
	}
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		signal.Stop(sigs)
		ln.Close() //nolint:errcheck
		return nil, Error{Op: "Serve", Item: config.Port, Err: err}
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	role := "global"
	if config.Local != nil {
		role = "local"
	}

	stopSigHandling := make(chan bool)
	wg := &sync.WaitGroup{}
	s = &Server{
		ServerInfo: &ServerInfo{
			Addr: host + ":" + port,
			Host: host,
			Port: port,
			PID:  os.Getpid(),
			Role: role,
			URL:  config.Queue.URL(),
		},
		q:               config.Queue,
		local:           config.Local,
		wsconns:         make(map[string]*websocket.Conn),
		stopSigHandling: stopSigHandling,
		done:            make(chan error, 1),
		wg:              wg,
		up:              true,
		Logger:          serverLogger.New("server", host+":"+port),
	}

	// set up the HTTP interface
	mux := http.NewServeMux()
	mux.HandleFunc(restGetWorkEndpoint, restGetWork(s))
	mux.HandleFunc(restReserveEndpoint, restReserve(s))
	mux.HandleFunc(restAckEndpoint, restAck(s))
	mux.HandleFunc(restSynchronizeEndpoint, restSynchronize(s))
	mux.HandleFunc(restQueueWorkEndpoint, restQueueWork(s))
	mux.HandleFunc(restCancelWorkEndpoint, restCancelWork(s))
	mux.HandleFunc(restStatusEndpoint, restStatus(s))
	mux.HandleFunc(restRequestsEndpoint, restRequests(s))
	mux.HandleFunc(restStatsEndpoint, restStats(s))
	mux.HandleFunc(statusWSEndpoint, statusWS(s))
	if config.Metrics {
		mux.Handle(metricsEndpoint, promhttp.Handler())
	}
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	wg.Add(1)
	go func() {
		// log panics and die
		defer internal.LogPanic(s.Logger, "workqueue web server", true)
		defer wg.Done()

		errs := s.httpServer.Serve(ln)
		if errs != nil && errs != http.ErrServerClosed {
			s.Error("server web interface had problems", "err", errs)
		}
	}()

	// start our periodic tasks
	s.scheduler = NewScheduler(s.Logger)
	if config.Local != nil {
		s.scheduler.Add("pull", config.PollInterval, func(ctx context.Context) error {
			_, errp := config.Local.PullWork(ctx)
			return errp
		})
		s.scheduler.Add("report", config.SyncInterval, func(ctx context.Context) error {
			_, errr := config.Local.ReportUp(ctx)
			return errr
		})
	}
	s.scheduler.Add("housekeeping", config.HousekeepInterval, s.q.Housekeep)
	s.scheduler.Start()

	// wait for signal or s.Stop() and call s.shutdown(). (We don't use the
	// waitgroup here since we call shutdown, which waits on the group)
	go func() {
		// log panics and die
		defer internal.LogPanic(s.Logger, "workqueue serving", true)

		select {
		case sig := <-sigs:
			signal.Stop(sigs)
			s.Warn("received signal, shutting down", "signal", sig)
			s.shutdown(ErrClosedSignal, false)
		case <-stopSigHandling: // s.Stop() causes this to be closed during s.shutdown(), which it calls
			signal.Stop(sigs)
		}
	}()

	s.Info("serving", "addr", s.ServerInfo.Addr, "role", role, "url", s.ServerInfo.URL)
	return s, nil
}

// Block makes you block while the server does the job of serving clients. This
// will return with an error indicating why it stopped blocking, which will
// be due to receiving a signal or because you called Stop()
func (s *Server) Block() error {
	s.ssmutex.Lock()
	s.blocking = true
	s.ssmutex.Unlock()
	return <-s.done
}

// Stop will cause a graceful shut down of the server: running periodic tasks
// have their context canceled, and in-flight HTTP requests are given a few
// seconds to complete. The queue and its backend are left for you to
// close.
func (s *Server) Stop() {
	s.shutdown(ErrClosedStop, true)
}

// shutdown stops listening, stops our periodic tasks and closes websockets.
// Does nothing if already shut down.
func (s *Server) shutdown(reason error, stopSigHandling bool) {
	s.ssmutex.Lock()
	if !s.up {
		s.ssmutex.Unlock()
		return
	}
	if stopSigHandling {
		close(s.stopSigHandling)
	}
	s.up = false
	s.ssmutex.Unlock()

	// stop periodic tasks
	s.scheduler.Stop()

	// graceful shutdown of all websocket connections
	s.wsmutex.Lock()
	for unique, conn := range s.wsconns {
		errc := conn.Close()
		if errc != nil {
			s.Warn("server shutdown failed to close a websocket", "err", errc)
		}
		delete(s.wsconns, unique)
	}
	s.wsmutex.Unlock()

	// graceful shutdown of http server
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.Warn("server shutdown of web interface failed", "err", err)
	}
	cancel()

	// wait for our goroutines to finish
	s.wg.Wait()

	s.Info("server stopped", "reason", reason)
	select {
	case s.done <- Error{Op: "Serve", Item: s.ServerInfo.Addr, Err: reason}:
	default:
	}
}

// HasRunningTasks tells you if the server is still up.
func (s *Server) HasRunningTasks() bool {
	s.ssmutex.RLock()
	defer s.ssmutex.RUnlock()
	return s.up
}
