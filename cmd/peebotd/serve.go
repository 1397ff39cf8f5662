package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/peebot/internal/action"
	"github.com/xtxerr/peebot/internal/dispatcher"
	"github.com/xtxerr/peebot/internal/engine"
	"github.com/xtxerr/peebot/internal/feed"
	"github.com/xtxerr/peebot/internal/ingestion"
	"github.com/xtxerr/peebot/internal/loader"
	"github.com/xtxerr/peebot/internal/logging"
	"github.com/xtxerr/peebot/internal/registry"
	"github.com/xtxerr/peebot/internal/server"
	"github.com/xtxerr/peebot/internal/state"
	"github.com/xtxerr/peebot/internal/storage"
)

var log = logging.Component("peebotd")

const statsInterval = 5 * time.Minute

func serveCmd(cfgPath *string) *cobra.Command {
	var (
		adminListen string
		adminToken  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, detectors and the action dispatcher",
		Long: `Run the daemon: the MQTT feed subscriber and the admin injection listener
feed the ingestion pipeline; the polling engine ticks every configured
detector; newly committed events are dispatched as actions.

The admin token may also be given in PEEBOT_ADMIN_TOKEN.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if adminListen != "" {
				cfg.Admin.Listen = adminListen
			}
			if adminToken == "" {
				adminToken = os.Getenv("PEEBOT_ADMIN_TOKEN")
			}
			if adminToken != "" {
				cfg.Admin.Tokens = append(cfg.Admin.Tokens, adminToken)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&adminListen, "admin-listen", "", "admin listen address (overrides config)")
	cmd.Flags().StringVar(&adminToken, "admin-token", "", "additional admin token")
	return cmd
}

func serve(ctx context.Context, cfg *loader.Config) error {
	log.Info("peebotd starting", "version", Version)

	// =========================================================================
	// Stores
	// =========================================================================

	readings, err := storage.New(loader.ToStorageConfig(cfg))
	if err != nil {
		return fmt.Errorf("open reading store: %w", err)
	}
	defer readings.Stop()

	if err := readings.Start(); err != nil {
		return err
	}

	st, err := state.Open(loader.ToStateConfig(cfg))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	// =========================================================================
	// Registry, pipeline, detectors
	// =========================================================================

	channels := registry.New(readings.Store())
	channels.SetCacheTTL(cfg.ChannelsCacheTTL.Std())
	if err := channels.Load(ctx, loader.ToChannelSpecs(cfg)); err != nil {
		return err
	}

	detectors, err := buildDetectors(cfg)
	if err != nil {
		return err
	}

	pipeline := ingestion.New(loader.ToIngestionConfig(cfg), channels, readings)

	// =========================================================================
	// Dispatcher and engine
	// =========================================================================

	client, closeClient, err := actionClient(cfg)
	if err != nil {
		return err
	}
	defer closeClient()

	disp, err := dispatcher.New(loader.ToDispatcherConfig(cfg), st, client)
	if err != nil {
		return err
	}

	eng := engine.New(loader.ToEngineConfig(cfg), readings, st, detectors, disp)

	// The dispatcher outlives ctx until the engine has drained, so events
	// committed by the last ticks are still queued.
	if err := disp.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return err
	}

	// =========================================================================
	// Transports
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)

	var sub *feed.Subscriber
	if cfg.MQTT.Enabled() {
		sub = feed.New(loader.ToFeedConfig(cfg), pipeline)
		g.Go(func() error { return sub.Run(gctx) })
		log.Info("feed subscriber enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.FeedTopic)
	} else {
		log.Info("feed subscriber disabled (no mqtt.broker)")
	}

	if cfg.Admin.Enabled() {
		srv := server.New(loader.ToServerConfig(cfg), pipeline)
		g.Go(func() error { return srv.Serve(gctx) })
	} else {
		log.Info("admin listener disabled (no admin.tokens)")
	}

	g.Go(func() error {
		reportStats(gctx, pipeline, eng, disp, sub)
		return nil
	})

	err = g.Wait()

	// =========================================================================
	// Shutdown
	// =========================================================================

	log.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.DrainTimeout.Std())
	defer cancel()

	eng.Stop(drainCtx)
	if derr := disp.Stop(drainCtx); derr != nil {
		log.Warn("dispatcher stop", "error", derr)
	}
	logStats(pipeline, eng, disp, sub)

	return err
}

// actionClient builds the configured action client and its close function.
func actionClient(cfg *loader.Config) (action.Client, func(), error) {
	switch loader.ActionClient(cfg) {
	case loader.ClientMQTT:
		pub := action.NewRedialer(loader.ToMQTTConfig(cfg, "action"))
		log.Info("actions published over mqtt", "topic", cfg.MQTT.ActionTopic)
		return action.NewMQTTClient(pub, cfg.MQTT.ActionTopic), func() { pub.Close() }, nil
	case loader.ClientLog:
		log.Info("actions written to the log")
		return action.LogClient{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown action client %q", cfg.Dispatcher.Client)
	}
}

func reportStats(ctx context.Context, p *ingestion.Pipeline, e *engine.Engine, d *dispatcher.Dispatcher, sub *feed.Subscriber) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats(p, e, d, sub)
		}
	}
}

func logStats(p *ingestion.Pipeline, e *engine.Engine, d *dispatcher.Dispatcher, sub *feed.Subscriber) {
	is := p.Stats()
	es := e.Stats()
	ds := d.Stats()

	log.Info("ingestion",
		"received", is.Received,
		"accepted", is.Accepted,
		"duplicates", is.Duplicates,
		"rejected", is.Rejected,
		"failed", is.Failed,
		"lag_p50_s", is.LagP50,
		"lag_p99_s", is.LagP99)
	log.Info("engine",
		"ticks", es.Ticks,
		"skipped", es.Skipped,
		"failures", es.Failures,
		"events", es.Events)
	log.Info("dispatcher",
		"posted", ds.Posted,
		"failed", ds.Failed,
		"suppressed", ds.Suppressed,
		"deferred", ds.Deferred,
		"queued", ds.Queued)

	if sub != nil {
		fs := sub.Stats()
		log.Info("feed",
			"received", fs.Received,
			"acked", fs.Acked,
			"undecodable", fs.Undecodable,
			"failed", fs.Failed,
			"sessions", fs.Sessions)
	}
}
