package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/slotline/relay/admin"
	"github.com/slotline/relay/cfg"
	"github.com/slotline/relay/gateway"
	"github.com/slotline/relay/hlc"
	"github.com/slotline/relay/id"
	"github.com/slotline/relay/notify"
	"github.com/slotline/relay/registry"
	"github.com/slotline/relay/source"
	"github.com/slotline/relay/telemetry"
	"github.com/slotline/relay/webhook"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Slotline Relay - Change Propagation & Webhook Delivery")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := hlc.NewClock(cfg.Config.InstanceID)
	generator := id.NewHLCGenerator(clock)

	// Durable webhook store
	log.Info().Str("path", cfg.WebhookStorePath()).Msg("Opening webhook store")
	store, err := webhook.NewStore(cfg.WebhookStorePath(), 5000)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open webhook store")
		return
	}
	defer store.Close()

	recovered, err := store.RecoverInflight(time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to recover inflight attempts")
		return
	}
	if recovered > 0 {
		log.Info().Int("count", recovered).Msg("Recovered inflight attempts from previous run")
	}

	// Webhook delivery pipeline
	dispatcher := webhook.NewDispatcher(
		time.Duration(cfg.Config.Webhook.TimeoutSeconds)*time.Second,
		fmt.Sprintf("relay-%d", cfg.Config.InstanceID),
	)
	coordinator := webhook.NewCoordinator(store, dispatcher, generator, webhook.CoordinatorConfig{
		Workers:        cfg.Config.Webhook.Workers,
		MaxAttempts:    cfg.Config.Webhook.MaxAttempts,
		BackoffBase:    time.Duration(cfg.Config.Webhook.BackoffBaseMS) * time.Millisecond,
		BackoffCeiling: time.Duration(cfg.Config.Webhook.BackoffCeilingMS) * time.Millisecond,
		PollInterval:   time.Duration(cfg.Config.Webhook.PollIntervalMS) * time.Millisecond,
		BatchSize:      cfg.Config.Webhook.BatchSize,
	})
	coordinator.Start(ctx)

	enqueuer, err := webhook.NewEnqueuer(store, generator)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize webhook enqueuer")
		return
	}
	mirror := webhook.NewEndpointMirror(store, enqueuer)

	// Realtime fan-out
	reg := registry.New()
	hub := notify.NewHub()
	gatewayServer := gateway.NewServer(reg, hub, gateway.Config{
		IdleTimeout:    time.Duration(cfg.Config.Gateway.IdleTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.Config.Gateway.WriteTimeoutMS) * time.Millisecond,
		SendBufferSize: cfg.Config.Gateway.SendBufferSize,
	})
	go gatewayServer.Run(ctx)

	// Change feed
	log.Info().
		Str("url", cfg.Config.Feed.NatsURL).
		Str("stream", cfg.Config.Feed.StreamName).
		Msg("Connecting to change feed")
	feed, err := source.New(source.Config{
		URL:           cfg.Config.Feed.NatsURL,
		Stream:        cfg.Config.Feed.StreamName,
		SubjectPrefix: cfg.Config.Feed.SubjectPrefix,
		Consumer:      cfg.Config.Feed.ConsumerName,
		Tables:        cfg.Config.Feed.Tables,
		// The endpoint mirror must see its own settings table even when the
		// watch list is narrowed to booking tables.
		AlwaysTables: []string{webhook.EndpointTable},
		AckWait:      time.Duration(cfg.Config.Feed.AckWaitSeconds) * time.Second,
	}, hub)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize change feed")
		return
	}

	// Durable handlers run in registration order before the feed message is
	// acknowledged: the mirror first so endpoint changes are visible to the
	// enqueuer within the same stream position.
	feed.AddHandler(mirror)
	feed.AddHandler(enqueuer)
	feed.OnGap(gatewayServer.NotifyGap)

	if err := feed.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start change feed")
		return
	}
	defer feed.Stop()

	// Queue depth sampling
	collector := telemetry.NewMetricsCollector(store, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	// Gateway listener
	gatewayAddr := fmt.Sprintf("%s:%d", cfg.Config.Gateway.BindAddress, cfg.Config.Gateway.Port)
	gatewayHTTP := &http.Server{Addr: gatewayAddr, Handler: gatewayServer}
	go func() {
		log.Info().Str("address", gatewayAddr).Msg("Realtime gateway listening")
		if err := gatewayHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Gateway listener failed")
		}
	}()

	// Admin listener
	var adminHTTP *http.Server
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, admin.NewHandlers(store, coordinator, gatewayServer))
		adminAddr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
		adminHTTP = &http.Server{Addr: adminAddr, Handler: mux}
		go func() {
			log.Info().Str("address", adminAddr).Msg("Admin API listening")
			if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("Admin listener failed")
			}
		}()
	}

	// Prometheus listener
	var metricsHTTP *http.Server
	if cfg.Config.Prometheus.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port)
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", telemetry.GetMetricsHandler())
		metricsHTTP = &http.Server{Addr: metricsAddr, Handler: metricsMux}
		go func() {
			log.Info().Str("address", metricsAddr).Msg("Metrics listening")
			if err := metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	log.Info().
		Uint64("instance_id", cfg.Config.InstanceID).
		Int("gateway_port", cfg.Config.Gateway.Port).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Relay is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	gatewayHTTP.Shutdown(shutdownCtx)
	if adminHTTP != nil {
		adminHTTP.Shutdown(shutdownCtx)
	}
	if metricsHTTP != nil {
		metricsHTTP.Shutdown(shutdownCtx)
	}

	// Stop consuming before draining the delivery pool so nothing new is
	// enqueued while workers settle their last attempts.
	feed.Stop()
	coordinator.Wait()
	log.Info().Msg("Shutdown complete")
}
