// Copyright 2021-2022 The ratingrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/ratingrelay/apis"
	"github.com/alwitt/ratingrelay/common"
	"github.com/alwitt/ratingrelay/core"
	"github.com/alwitt/ratingrelay/metrics"
	"github.com/alwitt/ratingrelay/relay"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RelayServer the assembled relay server components
type RelayServer struct {
	// Registry is the set of live connections
	Registry *relay.Registry
	// Broadcaster fans events out to the live connections
	Broadcaster relay.Broadcaster
	// Handler is the relay REST handler
	Handler *apis.APIRestRelayHandler
	// Router routes the relay API
	Router *mux.Router
	// Metrics is the relay metrics
	Metrics *metrics.RelayMetrics
	// Heartbeat is the keep-alive timer
	Heartbeat common.IntervalTimer
}

// DefineRelayServer assemble the relay server components
//
// natsClient is required only when the cluster bridge is enabled. The heartbeat and the
// cluster bridge stop when the runtime context ends.
func DefineRelayServer(
	runtimeContext context.Context,
	config *common.RelayServerConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) (*RelayServer, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay config")
		return nil, err
	}
	if config.Cluster.Enabled && natsClient == nil {
		return nil, fmt.Errorf("cluster bridge enabled without a NATS client")
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	relayMetrics, err := metrics.GetRelayMetrics(promRegistry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return nil, err
	}

	registry := relay.NewRegistry(instance, relayMetrics)
	broadcaster := relay.GetLocalBroadcaster(
		instance, registry, config.ExcludeSender, relayMetrics,
	)
	var readyNATS *core.NatsClient
	if config.Cluster.Enabled {
		broadcaster, err = relay.GetNATSBridgeBroadcaster(
			runtimeContext, instance, config.Cluster.Subject, natsClient, broadcaster, wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS bridge")
			return nil, err
		}
		readyNATS = natsClient
	}

	httpHandler, err := apis.GetAPIRestRelayHandler(
		runtimeContext,
		instance,
		config,
		registry,
		broadcaster,
		readyNATS,
		relayMetrics,
		time.Now,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return nil, err
	}

	heartbeat, err := relay.StartHeartbeat(
		runtimeContext,
		instance,
		registry,
		time.Second*time.Duration(config.Connection.HeartbeatInterval),
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start heartbeat")
		return nil, err
	}

	// -------------------------------------------------------------------
	// Routes

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)
	realtimeRouter := apis.RegisterPathPrefix(mainRouter, "/api/realtime", nil)

	// Long lived streams bypass the request logging wrapper
	_ = apis.RegisterPathPrefix(realtimeRouter, "/events", apis.MethodHandlers{
		"get": httpHandler.StreamEventsHandler(),
	})
	_ = apis.RegisterPathPrefix(realtimeRouter, "/socket", apis.MethodHandlers{
		"get": httpHandler.SocketHandler(),
	})

	_ = apis.RegisterPathPrefix(realtimeRouter, "/stats", apis.MethodHandlers{
		"get": httpHandler.LoggingMiddleware(httpHandler.StatsHandler()),
	})
	_ = apis.RegisterPathPrefix(realtimeRouter, "/simulate-rating", apis.MethodHandlers{
		"post": httpHandler.LoggingMiddleware(httpHandler.SimulateRatingHandler()),
	})
	_ = apis.RegisterPathPrefix(realtimeRouter, "/notify", apis.MethodHandlers{
		"post": httpHandler.LoggingMiddleware(httpHandler.NotifyHandler()),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": httpHandler.LoggingMiddleware(httpHandler.AliveHandler()),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": httpHandler.LoggingMiddleware(httpHandler.ReadyHandler()),
	})

	// Metrics
	router.Handle(
		config.Endpoints.MetricsPath,
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{Registry: promRegistry}),
	).Methods("GET")

	return &RelayServer{
		Registry:    registry,
		Broadcaster: broadcaster,
		Handler:     httpHandler,
		Router:      router,
		Metrics:     relayMetrics,
		Heartbeat:   heartbeat,
	}, nil
}

// RunRelayServer run the relay server until the runtime context ends
func RunRelayServer(
	runtimeContext context.Context,
	config *common.RelayServerConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	// Connections are released once the server starts shutting down
	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	server, err := DefineRelayServer(localCtxt, config, instance, natsClient, wg)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpCfg := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", httpCfg.ListenOn, httpCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(httpCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(httpCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(httpCfg.IdleTimeout),
		Handler:      h2c.NewHandler(server.Router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started relay server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}
	if err := server.Heartbeat.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping heartbeat")
	}

	return nil
}
