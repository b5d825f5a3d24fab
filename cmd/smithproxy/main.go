/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

// Command smithproxy is the process entry point: load configuration, build
// the core Instance, serve the listeners and the metrics/control HTTP
// surface, and run until the proxy exits or termination signals end it (see
// waitForShutdown; spec §5, §6, §7).
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smithproxy/smithproxy/internal/config"
	"github.com/smithproxy/smithproxy/internal/core"
	"github.com/smithproxy/smithproxy/internal/mitm"
	"github.com/smithproxy/smithproxy/internal/runtime"
	"github.com/smithproxy/smithproxy/internal/util/log"
	"github.com/smithproxy/smithproxy/internal/util/tracing"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code rather than calling os.Exit directly, so
// deferred cleanup (tracer flush, instance close) always executes.
func run() int {
	if err := config.Load(runtime.ApplicationName, runtime.ApplicationVersion, os.Args[1:]); err != nil {
		log.Fatal("configuration load failed", log.Pairs{"error": err.Error()})
		return 1
	}
	if config.Flags.PrintVersion {
		return 0
	}

	logger := log.New(os.Stderr, log.ParseLevel(config.Debug.LogLevel), config.Debug.LogFile, "")
	log.SetDefault(logger)
	for _, w := range config.LoaderWarnings {
		log.Warn("configuration warning", log.Pairs{"detail": w})
	}

	tracerImpl, ok := tracing.TracerImplementations[config.Debug.TracerImplementation]
	if !ok {
		log.Warn("unknown tracer implementation, defaulting to stdout", log.Pairs{"configured": config.Debug.TracerImplementation})
	}
	flushTracer, err := tracing.SetTracer(tracerImpl, config.Debug.TracerCollectorEndpoint)
	if err != nil {
		log.Fatal("tracer setup failed", log.Pairs{"error": err.Error()})
		return 1
	}
	defer flushTracer()

	instance, err := core.Build(config.Config)
	if err != nil {
		log.Fatal("failed to build core instance", log.Pairs{"error": err.Error()})
		return 1
	}
	defer instance.Close()
	facade := core.NewFacade(instance)

	controlSrv := newControlServer(facade)
	controlAddr := net.JoinHostPort(config.Settings.MetricsListenAddress, strconv.Itoa(config.Settings.MetricsListenPort))
	controlLn, err := net.Listen("tcp", controlAddr)
	if err != nil {
		log.Fatal("failed to bind metrics/control listener", log.Pairs{"address": controlAddr, "error": err.Error()})
		return 1
	}
	go func() {
		if err := controlSrv.Serve(controlLn); err != nil && err != http.ErrServerClosed {
			log.Error("control server stopped", log.Pairs{"error": err.Error()})
		}
	}()

	proxy := core.NewServer(facade)
	stop := make(chan struct{})
	serveErrc := make(chan error, 1)
	go func() { serveErrc <- proxy.Run(stop) }()

	log.Info("smithproxy started", log.Pairs{
		"version":          runtime.ApplicationVersion,
		"transparent_port": config.Settings.TransparentListenPort,
		"redirect_port":    config.Settings.RedirectListenPort,
		"socks_port":       config.Settings.SocksListenPort,
		"dtls_port":        config.Settings.DtlsListenPort,
		"control_address":  controlAddr,
	})

	code := waitForShutdown(stop, serveErrc, config.Settings.ShutdownSignalLimit)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	controlSrv.Shutdown(shutdownCtx)

	return code
}

// waitForShutdown blocks until the proxy server exits on its own or a
// termination signal arrives, then escalates across up to signalLimit
// repeated signals: the first closes stop and waits for a graceful drain,
// later ones below signalLimit are only logged, and signal number
// signalLimit returns exit code 1 at once. No separate forced stage is
// applied to running sessions between the graceful drain and the abort.
func waitForShutdown(stop chan struct{}, serveErrc <-chan error, signalLimit int) int {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)

	signals := 0
	for {
		select {
		case err := <-serveErrc:
			if err != nil {
				log.Error("proxy server exited with error", log.Pairs{"error": err.Error()})
				return 1
			}
			return 0
		case <-sigc:
			signals++
			switch {
			case signals == 1:
				log.Info("termination signal received, shutting down gracefully", log.Pairs{})
				close(stop)
			case signals < signalLimit:
				log.Warn("repeated termination signal, still draining sessions", log.Pairs{"count": signals})
			default:
				log.Warn("termination signal limit reached, aborting immediately", log.Pairs{"count": signals})
				return 1
			}
		}
	}
}

// newControlServer mounts the Prometheus exposition endpoint, the MITM
// replacement/override pages, and the liveness/config probes onto one
// http.Server, matching the teacher's single combined metrics+proxy-control
// listener (spec §4.11, §6).
func newControlServer(facade *core.Facade) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	in := facade.Current()
	replacement := mitm.NewReplacementServer(in.Config.Settings.ReplacementAssetsDir, in.Whitelist, in.Config.TLSProfiles)
	mux.Handle("/replace", replacement.Handler())
	mux.Handle("/override", replacement.Handler())

	mux.HandleFunc(in.Config.Settings.PingHandlerPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc(in.Config.Settings.ConfigHandlerPath, func(w http.ResponseWriter, r *http.Request) {
		stats := facade.Stats()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("active_sessions " + strconv.Itoa(stats.ActiveSessions) + "\n"))
		w.Write([]byte("reload_generation " + strconv.FormatUint(core.ReloadGeneration(), 10) + "\n"))
	})

	return &http.Server{Handler: mux}
}
