// cmd/server/main.go
package main

import (
	"net/http"
	"time"

	"github.com/cskr/pubsub"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/bulkwave/bulkwave-backend/internal/config"
	"github.com/bulkwave/bulkwave-backend/internal/db"
	"github.com/bulkwave/bulkwave-backend/internal/dispatch"
	"github.com/bulkwave/bulkwave-backend/internal/handler"
	"github.com/bulkwave/bulkwave-backend/internal/logging"
	"github.com/bulkwave/bulkwave-backend/internal/queue"
	"github.com/bulkwave/bulkwave-backend/internal/repository"
	"github.com/bulkwave/bulkwave-backend/internal/service"
)

func main() {
	logger := logging.Setup("server")
	cfg := config.Load()

	db.Init(cfg)

	q, err := queue.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer q.Close()

	campaignRepo := &repository.CampaignRepository{DB: db.DB}
	recipientRepo := &repository.RecipientRepository{DB: db.DB}
	runRepo := &repository.WorkflowRunRepository{DB: db.DB}
	batchRunRepo := &repository.BatchRunRepository{DB: db.DB}
	suppressionRepo := &repository.SuppressionRepository{DB: db.DB}
	templateRepo := &repository.TemplateRepository{DB: db.DB}

	campaignService := &service.CampaignService{
		CampaignRepo:  campaignRepo,
		RecipientRepo: recipientRepo,
		RunRepo:       runRepo,
		BatchRunRepo:  batchRunRepo,
		Queue:         q,
	}

	bus := pubsub.New(64)

	// Workers publish progress over the broker fanout; relay it onto the
	// local bus so SSE subscribers receive it.
	go func() {
		if err := q.ConsumeProgress(func(d dispatch.ProgressDelta) {
			bus.TryPub(d, dispatch.ProgressTopic(d.CampaignID))
		}); err != nil {
			logger.Error().Err(err).Msg("progress consumer stopped")
		}
	}()

	campaignHandler := &handler.CampaignHandler{
		Service:      campaignService,
		Suppressions: suppressionRepo,
		Templates:    templateRepo,
		Bus:          bus,
	}

	// Scheduled campaigns: sweep once a minute and dispatch whatever is due.
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		due, err := campaignRepo.ListDueScheduled(time.Now())
		if err != nil {
			logger.Error().Err(err).Msg("scheduled campaign sweep failed")
			return
		}
		for _, campaign := range due {
			if _, err := campaignService.Dispatch(campaign.ID); err != nil {
				logger.Error().Err(err).Int("campaign_id", campaign.ID).Msg("failed to dispatch scheduled campaign")
			}
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to register scheduler")
	}
	c.Start()
	defer c.Stop()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Campaign routes
	r.Post("/campaigns", campaignHandler.CreateCampaign)
	r.Get("/campaigns", campaignHandler.ListCampaigns)
	r.Get("/campaigns/{id}", campaignHandler.GetCampaign)
	r.Post("/campaigns/{id}/dispatch", campaignHandler.Dispatch)
	r.Post("/campaigns/{id}/pause", campaignHandler.Pause)
	r.Post("/campaigns/{id}/resume", campaignHandler.Resume)
	r.Post("/campaigns/{id}/resend", campaignHandler.Resend)
	r.Get("/campaigns/{id}/recipients", campaignHandler.ListRecipients)
	r.Get("/campaigns/{id}/progress", campaignHandler.Progress)
	r.Get("/runs/{runID}/summary", campaignHandler.RunSummary)

	// Suppression routes
	r.Get("/suppressions", campaignHandler.ListSuppressions)
	r.Post("/suppressions", campaignHandler.AddSuppression)

	// Template sync
	r.Put("/templates", campaignHandler.UpsertTemplate)

	logger.Info().Str("addr", cfg.ListenAddr).Msg("server running")
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
