package main

import (
	"context"
	"elogbook/internal/blob"
	"elogbook/internal/core"
	"elogbook/internal/export"
	"elogbook/internal/httpapi"
	"elogbook/internal/identity"
	"elogbook/internal/platform/config"
	"elogbook/internal/platform/logger"
	"elogbook/internal/query"
	"elogbook/internal/stream/kafka"
	"elogbook/pkg/domain"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app holds the wired process components.
type app struct {
	store    core.PersistentStore
	closers  []io.Closer
	svc      *core.Service
	query    *query.Service
	auth     *identity.JWTResolver
	registry *prometheus.Registry
	handler  http.Handler
}

func build(ctx context.Context, cfg config.Config, log logger.Sugared) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, closer, err := core.OpenStore(cfg.Storage, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, closer)

	archive, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open report archive: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := core.NewPrometheusMetricsRecorder(a.registry)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	opts := []core.ServiceOption{
		core.WithLogger(log),
		core.WithMetricsRecorder(metrics),
		core.WithTracer(core.NewOTelTracer(nil)),
	}
	if cfg.KafkaEnabled() {
		sink, err := kafka.New(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink)
		opts = append(opts, core.WithChangeSink(sink))
		log.Info("audit fan-out enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}
	a.svc = core.NewService(store, opts...)
	a.query = query.NewService(store)
	exporter := export.NewExporter(a.query, archive, a.svc)

	a.auth, err = identity.NewJWTResolver([]byte(cfg.JWTSecret), cfg.JWTIssuer, store)
	if err != nil {
		return nil, err
	}

	if cfg.BootstrapAdmin != "" {
		admin, created, err := a.svc.Bootstrap(ctx, cfg.BootstrapAdmin, cfg.BootstrapName)
		if err != nil {
			return nil, fmt.Errorf("bootstrap admin: %w", err)
		}
		if created {
			log.Info("bootstrap admin created", "user_id", admin.ID, "username", admin.Username)
		}
	}

	a.handler = httpapi.NewRouter(httpapi.Deps{
		Service:  a.svc,
		Query:    a.query,
		Exporter: exporter,
		Auth:     a.auth,
		Logger:   log,
		Gatherer: a.registry,
		Timeout:  cfg.RequestTimeout,
	})
	log.Info("elogbook ready",
		"storage", string(cfg.Storage.Driver),
		"archive", string(archive.Driver()),
	)
	return a, nil
}

func (a *app) issueToken(ctx context.Context, username string, ttl time.Duration) (string, error) {
	var (
		user  domain.UserAccount
		found bool
	)
	if err := a.store.View(ctx, func(v domain.TransactionView) error {
		user, found = v.FindUserByUsername(domain.NormalizeUsername(username))
		return nil
	}); err != nil {
		return "", err
	}
	if !found {
		return "", domain.NewNotFoundError(domain.EntityUser, username)
	}
	return a.auth.Issue(user, ttl)
}

// Close releases closers in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
