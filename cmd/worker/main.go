package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/whatsapp-automation/worker/internal/api"
	"github.com/whatsapp-automation/worker/internal/campaign"
	"github.com/whatsapp-automation/worker/internal/config"
	"github.com/whatsapp-automation/worker/internal/delivery"
	"github.com/whatsapp-automation/worker/internal/engine"
	"github.com/whatsapp-automation/worker/internal/events"
	"github.com/whatsapp-automation/worker/internal/fingerprint"
	"github.com/whatsapp-automation/worker/internal/lifecycle"
	"github.com/whatsapp-automation/worker/internal/logging"
	"github.com/whatsapp-automation/worker/internal/metrics"
	"github.com/whatsapp-automation/worker/internal/outcome"
	"github.com/whatsapp-automation/worker/internal/store"
	"github.com/whatsapp-automation/worker/internal/telegram"
	"github.com/whatsapp-automation/worker/internal/whatsapp"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	v := config.New()

	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "WhatsApp messaging worker: connections, delivery queue and campaigns",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log := logging.New(cfg.LogLevel, cfg.LogPretty)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, log); err != nil {
				log.Error().Err(err).Msg("worker stopped with error")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "optional .env file to load")
	cmd.Flags().Int("port", 0, "HTTP port (WORKER_PORT)")
	cmd.Flags().String("log-level", "", "log level (LOG_LEVEL)")
	_ = v.BindPFlag("WORKER_PORT", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("LOG_LEVEL", cmd.Flags().Lookup("log-level"))
	return cmd
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	id := fingerprint.Generate(cfg.DeviceSeed, cfg.ProxyCountry)
	log.Info().Str("worker_id", cfg.WorkerID).Str("country", id.Country).Str("device_id", id.DeviceID).
		Str("timezone", id.Timezone).Msg("worker starting")

	clock := clockwork.NewRealClock()
	db, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN, clock, log)
	if err != nil {
		return err
	}

	proxies, err := config.NewProxyPool(cfg, log)
	if err != nil {
		_ = db.Close()
		return err
	}
	factory, err := whatsapp.NewFactory(whatsapp.Options{
		SessionsDir: cfg.SessionsDir,
		QRDir:       cfg.QRDir,
		Identity:    id,
		Proxies:     proxies,
		Log:         log,
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	prom, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "register metrics")
	}
	bus := events.NewBus()
	sinks := outcome.Fanout{db, events.NewSink(bus), prom}

	var notifier *telegram.Notifier
	if cfg.TelegramEnabled() {
		bot, err := telegram.NewBot(cfg.TelegramToken)
		if err != nil {
			_ = db.Close()
			return err
		}
		notifier = telegram.NewNotifier(bot, cfg.TelegramChatID, cfg.WorkerID, log)
		sinks = append(sinks, notifier)
	}

	eng, err := engine.New(engine.Options{
		Lifecycle: lifecycle.Config{
			ChallengeTimeout:  cfg.ChallengeTimeout,
			ReadyTimeout:      cfg.ReadyTimeout,
			EnrichDelay:       cfg.EnrichDelay,
			ReconnectBase:     cfg.ReconnectBase,
			ReconnectMaxDelay: cfg.ReconnectMaxDelay,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ProbeTimeout:      cfg.ProbeTimeout,
		},
		Delivery: delivery.Config{
			MaxAttempts:  cfg.MaxAttempts,
			RetryDelay:   cfg.RetryDelay,
			MessageDelay: cfg.MessageDelay,
			Jitter:       cfg.MessageJitter,
			ProbeTimeout: cfg.ProbeTimeout,
			SendTimeout:  cfg.SendTimeout,
			VaryText:     cfg.VaryText,
		},
		Campaign: campaign.Config{
			BatchSize:         cfg.BatchSize,
			InterMessageDelay: cfg.MessageDelay,
			InterBatchDelay:   cfg.BatchDelay,
			MaxDuration:       cfg.CampaignMaxDuration,
			ProgressEvery:     cfg.ProgressEvery,
		},
		Factory:  factory.New,
		Sink:     sinks,
		Restorer: db,
		Closers:  []io.Closer{db},
		Clock:    clock,
		Log:      log,
	})
	if err != nil {
		_ = db.Close()
		return err
	}
	if err := prom.WatchQueue(eng.QueueDepth, eng.Sending); err != nil {
		log.Warn().Err(err).Msg("queue gauges not registered")
	}

	g, gctx := errgroup.WithContext(ctx)
	server := api.NewServer(cfg.WorkerID, eng, bus, proxies, promhttp.Handler(), log)
	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     server.Router(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
		// Event streams end with the worker instead of holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error { return eng.Run(gctx) })
	if notifier != nil {
		g.Go(func() error { return notifier.Run(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	if cerr := eng.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("shutdown")
	}
	log.Info().Msg("worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
