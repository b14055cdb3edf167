package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-sync/internal/cache"
	"github.com/example/ride-sync/internal/config"
	"github.com/example/ride-sync/internal/ingest"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/storage"
	"github.com/example/ride-sync/internal/tracker"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ride lifecycle messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	snapshotUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_snapshot_updates_total",
		Help: "Snapshot cache writes by outcome",
	}, []string{"outcome"})
	journalErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_journal_errors_total",
		Help: "Total transition journal write errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, snapshotUpdates, journalErrors)
}

func main() {
	var metricsAddr, group string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.StringVar(&group, "group", "ride-sync-consumer", "kafka consumer group")
	flag.Parse()

	cfg, err := config.LoadAgentConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := cache.NewRedis(redisAddr, cfg.RedisPassword)

	var journal storage.Journal
	if cfg.PGDSN != "" {
		pj, err := storage.NewPostgresJournal(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable; journal disabled", "error", err)
		} else {
			defer pj.Close()
			journal = pj
		}
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		ev, err := ingest.Decode(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		applied, err := updateSnapshotWithRetry(ctx, rc, ev.Snapshot, 3, 200*time.Millisecond)
		switch {
		case err != nil:
			snapshotUpdates.WithLabelValues("error").Inc()
			logger.Error("snapshot update failed", "ride_id", ev.RideID, "version", ev.Version, "error", err)
			continue
		case applied:
			snapshotUpdates.WithLabelValues("applied").Inc()
		default:
			snapshotUpdates.WithLabelValues("stale").Inc()
		}

		if journal != nil {
			rec := storage.RecordFor(tracker.Update{Snapshot: ev.Snapshot, From: ev.From, Source: ev.Source, Intents: ev.Intents}, ev.At)
			if err := journal.Record(ctx, rec); err != nil {
				journalErrors.Inc()
				logger.Error("journal write failed", "ride_id", ev.RideID, "error", err)
			}
		}
	}
}

// SnapshotWriter is the subset of the snapshot cache the consumer needs.
type SnapshotWriter interface {
	Put(ctx context.Context, snap models.RideSnapshot) (bool, error)
}

// updateSnapshotWithRetry writes snap with doubling delay between attempts.
// The bool is false when the cache already held a newer version.
func updateSnapshotWithRetry(ctx context.Context, w SnapshotWriter, snap models.RideSnapshot, attempts int, delay time.Duration) (bool, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var applied bool
		if applied, err = w.Put(ctx, snap); err == nil {
			return applied, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false, err
}
