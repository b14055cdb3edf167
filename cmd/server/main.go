package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/ride-sync/internal/backend"
	"github.com/example/ride-sync/internal/cache"
	"github.com/example/ride-sync/internal/cancellation"
	"github.com/example/ride-sync/internal/config"
	"github.com/example/ride-sync/internal/dispatch"
	"github.com/example/ride-sync/internal/fare"
	httpapi "github.com/example/ride-sync/internal/http"
	"github.com/example/ride-sync/internal/ingest"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/otp"
	"github.com/example/ride-sync/internal/push"
	"github.com/example/ride-sync/internal/schedule"
	"github.com/example/ride-sync/internal/storage"
	"github.com/example/ride-sync/internal/tracker"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ride-sync",
		Short:         "Rider-side ride lifecycle agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(serveCmd(), estimateCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var migrationsDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Track rides and expose them over HTTP and websockets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, migrationsDir)
		},
	}
	cmd.Flags().StringVar(&migrationsDir, "migrations", "migrations", "directory holding SQL migrations (applied when MIGRATE=true)")
	return cmd
}

func serve(ctx context.Context, cfg config.AgentConfig, migrationsDir string) error {
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	api := backend.NewClient(cfg.BackendURL, cfg.RiderToken)

	var pushSrc tracker.PushSource
	if cfg.PushURL != "" {
		riderID := cfg.RiderID
		if riderID == "" && cfg.RiderToken != "" {
			id, err := push.RiderFromToken(cfg.RiderToken)
			if err != nil {
				logger.Warn("rider_identity_unavailable", "error", err)
			}
			riderID = id
		}
		pushSrc = tracker.FromDialer(&push.Dialer{URL: cfg.PushURL, Token: cfg.RiderToken, RiderID: riderID, Logger: logger})
	} else {
		logger.Info("push_disabled", "reason", "PUSH_URL not set; polling only")
	}

	ws := dispatch.NewWSRegistry(logger)
	sinks := []tracker.Sink{ws}

	var snaps cache.SnapshotCache = cache.NewMemory()
	if cfg.RedisAddr != "" {
		rc := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			logger.Warn("redis_unavailable", "addr", cfg.RedisAddr, "error", err)
		}
		snaps = rc
	}
	sinks = append(sinks, cache.Sink{Cache: snaps})

	var journal storage.Journal = storage.NewMemoryJournal()
	if cfg.PGDSN != "" {
		pj, err := storage.NewPostgresJournal(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres_unavailable", "error", err)
		} else {
			defer pj.Close()
			if cfg.RunMigrations {
				path := filepath.Join(migrationsDir, "001_create_ride_transitions.sql")
				if err := pj.Migrate(ctx, path); err != nil {
					logger.Error("migration_failed", "path", path, "error", err)
				} else {
					logger.Info("migration_applied", "path", path)
				}
			}
			journal = pj
		}
	}
	sinks = append(sinks, storage.NewSink(journal))

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		sinks = append(sinks, kp)
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, dispatch.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey))
	}

	reg := tracker.NewRegistry(api, pushSrc, tracker.Options{
		PollSearching:    cfg.PollIntervalSearching,
		PollActive:       cfg.PollIntervalActive,
		PollTimeout:      cfg.PollTimeout,
		FailureThreshold: cfg.PollFailureThreshold,
		BackoffInitial:   cfg.PushBackoffInitial,
		BackoffMax:       cfg.PushBackoffMax,
		Logger:           logger,
	}, sinks...)
	defer reg.Close()

	est := fare.NewEstimator(models.RateCard{BaseFare: cfg.BaseFare, PerKmRate: cfg.PerKmRate})
	handler := httpapi.NewServer(httpapi.Deps{
		Context:   ctx,
		Registry:  reg,
		Estimator: est,
		Verifier:  otp.NewVerifier(api, cfg.OTPMaxAttempts, logger),
		Canceller: cancellation.NewManager(api, cfg.CancellationFee, cfg.Currency, logger),
		Schedule:  schedule.NewEngine(api, est, logger),
		Locations: &backend.CachedSearcher{Next: api, Cache: backend.NewLocationCache(10 * time.Minute)},
		Cache:     snaps,
		Journal:   journal,
		WS:        ws,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("ride-sync listening", "addr", cfg.HTTPAddr, "backend", cfg.BackendURL)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func estimateCmd() *cobra.Command {
	var (
		from, to    models.Location
		fromCoord   []float64
		toCoord     []float64
		base, perKm float64
	)
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate distance and fare between two places",
		Example: `  ride-sync estimate --from-city Pune --to-city Pune
  ride-sync estimate --from-coord 12.9756,77.6050 --to-coord 12.9784,77.6408`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if from.Coord, err = coordFlag(fromCoord); err != nil {
				return fmt.Errorf("--from-coord: %w", err)
			}
			if to.Coord, err = coordFlag(toCoord); err != nil {
				return fmt.Errorf("--to-coord: %w", err)
			}
			est := fare.NewEstimator(models.RateCard{BaseFare: base, PerKmRate: perKm})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(est.Estimate(from, to, nil))
		},
	}
	f := cmd.Flags()
	f.StringVar(&from.Locality, "from", "", "pickup locality")
	f.StringVar(&from.City, "from-city", "", "pickup city")
	f.StringVar(&from.District, "from-district", "", "pickup district")
	f.Float64SliceVar(&fromCoord, "from-coord", nil, "pickup lat,lon")
	f.StringVar(&to.Locality, "to", "", "drop locality")
	f.StringVar(&to.City, "to-city", "", "drop city")
	f.StringVar(&to.District, "to-district", "", "drop district")
	f.Float64SliceVar(&toCoord, "to-coord", nil, "drop lat,lon")
	f.Float64Var(&base, "base-fare", fare.DefaultBaseFare, "base fare")
	f.Float64Var(&perKm, "per-km", fare.DefaultPerKmRate, "rate per km after the first")
	return cmd
}

func coordFlag(v []float64) (*models.Coord, error) {
	switch len(v) {
	case 0:
		return nil, nil
	case 2:
		return &models.Coord{Lat: v[0], Lon: v[1]}, nil
	default:
		return nil, errors.New("want lat,lon")
	}
}
