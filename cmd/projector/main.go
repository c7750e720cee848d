// Command projector keeps the counter read model up to date. It follows the
// NATS event log from its last checkpoint and writes one document per
// counter stream into NATS KV or SQLite.
//
// Prometheus metrics are served on PROJECTOR_METRICS_ADDR (default :2121).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codewandler/escore/adapters/nats"
	promadapter "github.com/codewandler/escore/adapters/prometheus"
	"github.com/codewandler/escore/adapters/sqlite"
	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/internal/config"
	"github.com/codewandler/escore/internal/domain"
	"github.com/codewandler/escore/ports/docstore"
)

type Config struct {
	Log  config.Log
	NATS config.NATS

	StreamName    string `env:"ESCORE_JS_STREAM" envDefault:"ESCORE"`
	SubjectPrefix string `env:"ESCORE_SUBJECT_PREFIX" envDefault:"escore.streams"`

	Subscription string `env:"PROJECTOR_SUBSCRIPTION" envDefault:"counters"`

	// DocStore is "nats" or "sqlite".
	DocStore    string `env:"PROJECTOR_DOCSTORE" envDefault:"nats"`
	SQLitePath  string `env:"PROJECTOR_SQLITE_PATH" envDefault:"projector.db"`
	MetricsAddr string `env:"PROJECTOR_METRICS_ADDR" envDefault:":2121"`
}

func main() {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := cfg.Log.NewLogger()
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log, cfg); err != nil {
		log.Error("projector failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("projector stopped")
}

func run(ctx context.Context, log *slog.Logger, cfg Config) error {
	metrics := promadapter.NewESMetrics(prometheus.DefaultRegisterer)

	promMux := http.NewServeMux()
	promMux.Handle("/metrics", promhttp.Handler())
	promServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("prometheus metrics server starting", slog.String("addr", cfg.MetricsAddr))
		if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus server error", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = promServer.Shutdown(shutdownCtx)
	}()

	connect := nats.ReuseConnection(nats.ConnectConfig(cfg.NATS))

	eventLog, err := nats.NewEventLog(ctx, nats.EventLogConfig{
		Connect:       connect,
		Log:           log,
		StreamName:    cfg.StreamName,
		SubjectPrefix: cfg.SubjectPrefix,
	})
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	defer eventLog.Close()

	docs, closeDocs, err := openDocStore(ctx, log, cfg, connect)
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	defer closeDocs()

	checkpoints, err := es.NewDocumentCheckpointStore(ctx, docs, es.WithLog(log))
	if err != nil {
		return err
	}
	counters, err := docs.Collection(ctx, "counters")
	if err != nil {
		return err
	}

	proj := es.NewDocumentProjection("counters", counters, es.ByStream, domain.ApplyView, es.WithLog(log))

	sub := es.NewSubscription(
		cfg.Subscription,
		eventLog,
		domain.NewCodec(),
		checkpoints,
		es.WithLog(log),
		es.WithMetrics(metrics),
		es.WithSubscriptionFilter(es.SubscriptionFilter{StreamPrefix: domain.StreamType + "-"}),
		es.WithHandlers(proj, es.HandleFunc(func(m es.MsgCtx) error {
			m.Log().Debug("projected", slog.String("type", m.Type()), slog.Uint64("position", m.Position()))
			return nil
		})),
		es.WithHandlerMiddlewares(es.NewLogMiddleware(slog.String("projection", proj.Name()))),
		es.WithStateListener(func(from, to es.SubscriptionState) {
			log.Info("subscription state", slog.String("from", from.String()), slog.String("to", to.String()))
		}),
	)

	log.Info(
		"projector starting",
		slog.String("subscription", cfg.Subscription),
		slog.String("docstore", cfg.DocStore),
	)

	err = es.NewSubscriptionGroup(sub).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openDocStore(ctx context.Context, log *slog.Logger, cfg Config, connect nats.Connector) (docstore.Store, func(), error) {
	switch cfg.DocStore {
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Error("close sqlite", slog.Any("error", err))
			}
		}, nil
	case "nats", "":
		s, err := nats.NewDocStore(ctx, nats.DocStoreConfig{Connect: connect, Log: log})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown document store %q", cfg.DocStore)
	}
}
