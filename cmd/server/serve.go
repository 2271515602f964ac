package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/bulkwa-backend/internal/config"
	"github.com/unclebandit/bulkwa-backend/internal/connection"
	"github.com/unclebandit/bulkwa-backend/internal/controller"
	"github.com/unclebandit/bulkwa-backend/internal/db"
	"github.com/unclebandit/bulkwa-backend/internal/handler"
	"github.com/unclebandit/bulkwa-backend/internal/notify"
	"github.com/unclebandit/bulkwa-backend/internal/phone"
	"github.com/unclebandit/bulkwa-backend/internal/queue"
	"github.com/unclebandit/bulkwa-backend/internal/repository"
	"github.com/unclebandit/bulkwa-backend/internal/screening"
	"github.com/unclebandit/bulkwa-backend/internal/service"
	"github.com/unclebandit/bulkwa-backend/internal/whatsapp"
)

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Init DB
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}

	campaignRepo := &repository.CampaignRepository{DB: conn}
	jobRepo := &repository.CampaignJobRepository{DB: conn}
	contactRepo := &repository.ContactRepository{DB: conn}
	ownerRepo := &repository.OwnerRepository{DB: conn}

	// Connections
	hub := notify.NewHub()
	whatsapp.SetDeviceName(cfg.DeviceName)
	factory := whatsapp.NewFactory(cfg.SessionDir, logrus.WithField("component", "whatsapp"))
	normalizer := phone.NewNormalizer(cfg.CountryPrefix, cfg.LocalNumberLength, cfg.TrunkPrefix)

	opts := connection.DefaultOptions()
	opts.ConnectTimeout = cfg.ConnectTimeout
	opts.PollAttempts = cfg.ConnectPollAttempts
	opts.PollBase = cfg.ConnectPollBase
	opts.PollStep = cfg.ConnectPollStep
	opts.ReconnectGrace = cfg.ReconnectGrace
	opts.SendRatePerMinute = cfg.SendRatePerMinute

	manager := connection.NewManager(connection.NewRegistry(), factory, hub, ownerRepo, normalizer, opts)
	hub.SetSnapshot(manager.Status)

	// Screening
	var model screening.Model
	if cfg.OpenAIAPIKey != "" {
		model = screening.NewOpenAIClient(cfg.OpenAIAPIKey,
			screening.WithBaseURL(cfg.OpenAIBaseURL),
			screening.WithModel(cfg.OpenAIModel),
		)
	} else {
		logrus.Warn("⚠️ OPENAI_API_KEY not set, screening uses the keyword filter only")
	}
	screener := screening.NewService(model)

	// Queue
	q, err := newQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	progress := service.NewProgressAggregator(campaignRepo)
	worker := service.NewWorker(jobRepo, progress, manager)

	campaignService := &service.CampaignService{
		CampaignRepo: campaignRepo,
		JobRepo:      jobRepo,
		ContactRepo:  contactRepo,
		OwnerRepo:    ownerRepo,
		Screener:     screener,
		Connections:  manager,
		Queue:        q,
		Progress:     progress,
		Defaults: service.Defaults{
			MessageDelay: cfg.DefaultMessageDelay,
			MaxAttempts:  cfg.DefaultMaxRetries,
			Backoff:      queue.Backoff{Base: cfg.RetryBackoffBase, Max: cfg.RetryBackoffMax},
		},
	}

	restoreState(ctx, cfg, campaignService, progress, ownerRepo, manager)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := q.Subscribe(workerCtx, cfg.WorkerConcurrency, worker.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Error("❌ worker pool stopped")
		}
	}()

	campaignController := &controller.CampaignController{CampaignService: campaignService}
	whatsappHandler := handler.NewWhatsAppHandler(manager, ownerRepo, hub, cfg.QRWaitTimeout)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		controller.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now()})
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(controller.RequireOwner)
		r.Route("/whatsapp", whatsappHandler.Routes)
		r.Route("/messages", campaignController.Routes)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logrus.WithField("port", cfg.Port).Info("🚀 Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logrus.Info("🛑 Shutting down")
	case err := <-serverErr:
		if err != nil {
			logrus.WithError(err).Error("❌ server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("⚠️ HTTP shutdown did not finish cleanly")
	}

	stopWorkers()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logrus.Warn("⚠️ workers did not stop before the shutdown timeout")
	}
	manager.Shutdown()

	logrus.Info("👋 Bye")
	return nil
}

func newQueue(cfg *config.Config) (queue.Queue, error) {
	if cfg.QueueDriver == "amqp" {
		q, err := queue.NewAMQPQueue(queue.AMQPConfig{
			URL:      cfg.AMQPURL,
			Queue:    cfg.AMQPQueue,
			Exchange: cfg.AMQPExchange,
		})
		if err != nil {
			return nil, err
		}
		logrus.WithField("queue", cfg.AMQPQueue).Info("🐇 Connected to RabbitMQ")
		return q, nil
	}
	logrus.Info("📦 Using in-memory delivery queue")
	return queue.NewInMemoryQueue(), nil
}

// restoreState repairs counters, re-enqueues work the in-memory queue lost and
// optionally reconnects owners that were connected before the restart.
func restoreState(ctx context.Context, cfg *config.Config, campaigns *service.CampaignService, progress *service.ProgressAggregator, owners repository.OwnerRepositoryInterface, manager *connection.Manager) {
	if n, err := progress.Reconcile(ctx); err != nil {
		logrus.WithError(err).Warn("⚠️ counter reconciliation failed")
	} else if n > 0 {
		logrus.WithField("campaigns", n).Warn("🔧 repaired campaign counters")
	}

	if cfg.QueueDriver == "memory" {
		if n, err := campaigns.ResumePending(ctx); err != nil {
			logrus.WithError(err).Warn("⚠️ failed to resume pending jobs")
		} else if n > 0 {
			logrus.WithField("jobs", n).Info("🔄 resumed pending jobs")
		}
	}

	if !cfg.RestoreOnBoot {
		return
	}
	connected, err := owners.ListConnected(ctx)
	if err != nil {
		logrus.WithError(err).Warn("⚠️ failed to list connected owners")
		return
	}
	for _, o := range connected {
		if err := manager.StartRestore(o.ID, o.Settings); err != nil {
			logrus.WithField("owner_id", o.ID).WithError(err).Warn("⚠️ restore not started")
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logrus.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}
