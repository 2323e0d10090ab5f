package main

import (
	"context"

	"github.com/MarcoPoloResearchLab/framemark/internal/annotations"
	"github.com/MarcoPoloResearchLab/framemark/internal/auth"
	"github.com/MarcoPoloResearchLab/framemark/internal/config"
	"github.com/MarcoPoloResearchLab/framemark/internal/database"
	"github.com/MarcoPoloResearchLab/framemark/internal/directory"
	"github.com/MarcoPoloResearchLab/framemark/internal/logging"
	"github.com/MarcoPoloResearchLab/framemark/internal/metrics"
	"github.com/MarcoPoloResearchLab/framemark/internal/playback"
	"github.com/MarcoPoloResearchLab/framemark/internal/server"
	"github.com/MarcoPoloResearchLab/framemark/internal/store"
	"github.com/MarcoPoloResearchLab/framemark/internal/syncer"
	"github.com/MarcoPoloResearchLab/framemark/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// application holds every long-lived component built from configuration.
type application struct {
	config       config.AppConfig
	logger       *zap.Logger
	metrics      *metrics.Metrics
	store        *store.Store
	users        *users.Repository
	reconciler   *users.Reconciler
	orchestrator *syncer.Orchestrator
	annotations  *annotations.Repositories
	playback     *playback.Hub
	realtime     *server.RealtimeDispatcher
	tokens       *auth.TokenIssuer
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewFileLogger(appConfig.LogLevel, logging.FileConfig{
		Path:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
		MaxAgeDays: appConfig.LogMaxAgeDays,
	})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	handle, err := database.OpenSQLite(ctx, appConfig.DatabasePath, store.Options{Logger: logger, Metrics: appMetrics})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	app := &application{config: appConfig, logger: logger, metrics: appMetrics, store: handle}
	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire() error {
	client, err := directory.NewClient(directory.Config{
		BaseURL:       a.config.DirectoryBaseURL,
		Timeout:       a.config.DirectoryTimeout,
		RatePerSecond: a.config.DirectoryRatePerSecond,
		CacheTTL:      a.config.DirectoryCacheTTL,
		Logger:        a.logger,
		Metrics:       a.metrics,
	})
	if err != nil {
		return err
	}

	a.users, err = users.NewRepository(users.RepositoryConfig{Store: a.store, Logger: a.logger})
	if err != nil {
		return err
	}
	a.reconciler, err = users.NewReconciler(users.ReconcilerConfig{Repository: a.users, Directory: client, Logger: a.logger})
	if err != nil {
		return err
	}
	a.orchestrator, err = syncer.New(syncer.Config{Users: a.users, Directory: client, Logger: a.logger, Metrics: a.metrics})
	if err != nil {
		return err
	}
	a.annotations, err = annotations.NewRepositories(annotations.ServiceConfig{
		Store:      a.store,
		Logger:     a.logger,
		Metrics:    a.metrics,
		NearWindow: a.config.CommentNearWindow,
	})
	if err != nil {
		return err
	}

	a.realtime = server.NewRealtimeDispatcher()
	a.playback, err = playback.NewHub(playback.HubConfig{
		Querier:  a.annotations.Strokes,
		Interval: a.config.PlaybackThrottle,
		OnResult: a.realtime.PublishPlayback,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}

	if a.config.AuthEnabled() {
		a.tokens, err = auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(a.config.SigningSecret),
			TokenTTL:      a.config.SessionTokenTTL,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Close stops the throttles before releasing the store they query.
func (a *application) Close() {
	if a.playback != nil {
		a.playback.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
