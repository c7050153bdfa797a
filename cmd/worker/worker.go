package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/k11v/buildworker/internal/cas"
	"github.com/k11v/buildworker/internal/execute"
	"github.com/k11v/buildworker/internal/lifecycle"
	"github.com/k11v/buildworker/internal/materialize"
	"github.com/k11v/buildworker/internal/metrics"
	"github.com/k11v/buildworker/internal/migrate"
	"github.com/k11v/buildworker/internal/rpc/casremote"
	"github.com/k11v/buildworker/internal/rpc/queueamqp"
	"github.com/k11v/buildworker/internal/rpc/queuepg"
	"github.com/k11v/buildworker/internal/workerconfig"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker wires every component named in the configuration into one
// runnable process: a CAS client and cache, the materializer and
// executor, the operation queue, and the lifecycle coordinator that
// drives them, plus the ambient metrics/healthz HTTP endpoint.
type Worker struct {
	config *workerconfig.Config

	queue *queuepg.Queue
	amqp  *queueamqp.Consumer

	coordinator *lifecycle.Coordinator
	cache       *cas.Cache

	registry *prometheus.Registry

	db *pgxpool.Pool
}

// NewWorker loads configuration from configPath, applying environ as
// overrides, and constructs every component. Beyond reading the config
// file, it runs the schema migrations when MigrateOnStart is set and
// creates the CAS bucket if it doesn't exist yet; starting the cache,
// the metrics endpoint, and the match loop is left to Run.
func NewWorker(configPath string, environ []string) (*Worker, error) {
	cfg, err := workerconfig.Load(configPath, environ)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	if cfg.MigrateOnStart {
		if err := migrate.Up(cfg.OperationQueue); err != nil {
			return nil, fmt.Errorf("worker: %w", err)
		}
	}

	db, err := pgxpool.New(context.Background(), cfg.OperationQueue)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	casClient, err := casremote.New(cfg.CASConnectionString, cfg.CASBucket)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	if err := casClient.EnsureBucket(context.Background()); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	cache := cas.New(cfg.CacheDir(), cfg.CASCacheMaxSizeBytes, casClient, m)

	materializer := materialize.New(casClient, cache, cfg.TreePageSize)

	stdoutControl, err := cfg.StdoutControl()
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	stderrControl, err := cfg.StderrControl()
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	fileControl, err := cfg.FileControl()
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	executor := execute.New(casClient, execute.Config{
		StreamStdout:  cfg.StreamStdout,
		StreamStderr:  cfg.StreamStderr,
		StdoutControl: stdoutControl,
		StderrControl: stderrControl,
		FileControl:   fileControl,
	}, m)

	queue := queuepg.New(db, cfg.OperationPollPeriod)

	var amqpConsumer *queueamqp.Consumer
	if cfg.AMQPURL != "" {
		amqpConsumer = queueamqp.NewConsumer(cfg.AMQPURL, cfg.AMQPQueueName)
	}

	coordinator := lifecycle.New(queue, casClient, cache, materializer, executor, m, cfg.Root, cfg.OperationPollPeriod)

	return &Worker{
		config:      cfg,
		queue:       queue,
		amqp:        amqpConsumer,
		coordinator: coordinator,
		cache:       cache,
		registry:    registry,
		db:          db,
	}, nil
}

// Run starts the cache, the metrics/healthz endpoint, the optional
// dispatch-notification consumer, and then loops forever dispatching
// one operation at a time until the process is terminated.
func (w *Worker) Run() error {
	ctx := context.Background()

	if err := w.cache.Start(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	defer w.db.Close()

	go w.serveMetrics()

	if w.amqp != nil {
		notify := make(chan struct{}, 1)
		w.queue.SetNotifyChannel(notify)
		go func() {
			err := w.amqp.Run(ctx, func(ctx context.Context) {
				select {
				case notify <- struct{}{}:
				default:
				}
			})
			if err != nil {
				slog.Error("worker: dispatch notifier stopped", "error", err)
			}
		}()
	}

	for {
		err := w.queue.Match(ctx, w.config.Platform, w.config.RequeueOnFailure, w.coordinator.Handle)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("worker: match failed", "error", err)
		}
	}
}

func (w *Worker) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})

	slog.Info("starting metrics endpoint", "addr", w.config.MetricsAddr)
	if err := http.ListenAndServe(w.config.MetricsAddr, mux); err != nil {
		slog.Error("worker: metrics endpoint stopped", "error", err)
	}
}
