/*
Copyright 2024 The Heartsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heartsync/callsig/pkg/call"
	"github.com/heartsync/callsig/pkg/config"
	"github.com/heartsync/callsig/pkg/control"
	"github.com/heartsync/callsig/pkg/media"
	"github.com/heartsync/callsig/pkg/metrics"
	"github.com/heartsync/callsig/pkg/peer"
	"github.com/heartsync/callsig/pkg/profiling"
	"github.com/heartsync/callsig/pkg/session"
	"github.com/heartsync/callsig/pkg/session/memory"
	"github.com/heartsync/callsig/pkg/session/redis"
	"github.com/heartsync/callsig/pkg/telemetry"
	"github.com/heartsync/callsig/pkg/webrtc_ext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	// Functions that are called before exiting, e.g. to stop the profiler.
	deferredFunctions := []func(){}
	defer func() {
		for i := len(deferredFunctions) - 1; i >= 0; i-- {
			deferredFunctions[i]()
		}
	}()

	if *cpuProfile != "" {
		stop, err := profiling.StartCPUProfile(*cpuProfile)
		if err != nil {
			logrus.WithError(err).Fatal("could not start CPU profiling")
		}
		deferredFunctions = append(deferredFunctions, stop)
	}
	if *memProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.HeapProfileWriter(*memProfile))
	}

	// Load the config file from the environment variable or path.
	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Error("could not load config")
		return
	}

	level, _ := cfg.Level()
	logrus.SetLevel(level)

	// Cancelled on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, &deferredFunctions); err != nil {
		logrus.WithError(err).Error("agent failed")
	}
}

func run(ctx context.Context, cfg *config.Config, deferred *[]func()) error {
	logger := logrus.WithFields(logrus.Fields{
		"conversation_id": cfg.Call.ConversationID,
		"participant_id":  cfg.Call.LocalID,
	})

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	*deferred = append(*deferred, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	})

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	*deferred = append(*deferred, closeStore)

	provider, err := media.NewProvider(cfg.Media)
	if err != nil {
		return err
	}

	connections, err := webrtc_ext.NewPeerConnectionFactory(cfg.WebRTC)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coordinator, err := call.New(cfg.Call, call.Dependencies{
		Store:   store,
		Media:   provider,
		Peers:   call.WebRTCPeers(peer.NewFactory[string](connections)),
		Logger:  logger,
		Metrics: metrics.New(registry, cfg.Call.ConversationID),
	})
	if err != nil {
		return err
	}
	// Ends a call in progress best-effort before the store goes away.
	*deferred = append(*deferred, coordinator.Close)

	if err := coordinator.Listen(ctx); err != nil {
		return err
	}

	server := control.NewServer(coordinator, registry, logger.WithField("component", "control"))
	return server.ListenAndServe(ctx, cfg.Control)
}

func openStore(ctx context.Context, cfg config.Store) (session.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		store, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logrus.WithError(err).Warn("failed to close the Redis store")
			}
		}, nil
	default:
		logrus.Warn("using the in-memory session store, only local participants can be reached")
		store := memory.NewStore()
		return store, store.Close, nil
	}
}
