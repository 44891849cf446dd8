package main

import (
	"context"
	"time"

	"github.com/bulkwave/bulkwave-backend/internal/config"
	"github.com/bulkwave/bulkwave-backend/internal/db"
	"github.com/bulkwave/bulkwave-backend/internal/dispatch"
	"github.com/bulkwave/bulkwave-backend/internal/guardrail"
	"github.com/bulkwave/bulkwave-backend/internal/logging"
	"github.com/bulkwave/bulkwave-backend/internal/provider"
	"github.com/bulkwave/bulkwave-backend/internal/queue"
	"github.com/bulkwave/bulkwave-backend/internal/repository"
	"github.com/bulkwave/bulkwave-backend/internal/throttle"
)

func main() {
	logger := logging.Setup("worker")
	cfg := config.Load()

	db.Init(cfg)

	q, err := queue.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer q.Close()

	recipientRepo := &repository.RecipientRepository{DB: db.DB}

	orchestrator := &dispatch.Orchestrator{
		Campaigns:    &repository.CampaignRepository{DB: db.DB},
		Recipients:   recipientRepo,
		Runs:         &repository.WorkflowRunRepository{DB: db.DB},
		BatchRuns:    &repository.BatchRunRepository{DB: db.DB},
		Suppressions: &repository.SuppressionRepository{DB: db.DB},
		Templates:    &repository.TemplateRepository{DB: db.DB},
		Throttle: throttle.NewController(
			&repository.ThrottleRepository{DB: db.DB},
			throttle.Config{
				MinRate:        cfg.MinRate,
				MaxRate:        cfg.MaxRate,
				InitialRate:    cfg.InitialRate,
				IncreaseStep:   cfg.IncreaseStep,
				Cooldown:       time.Duration(cfg.CooldownSeconds) * time.Second,
				MinIncreaseGap: cfg.MinIncreaseGap,
			},
			logger,
		),
		Sender:    provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIVersion, cfg.ProviderToken, cfg.SendTimeout),
		Persister: &dispatch.Persister{Recipients: recipientRepo, Log: logger},
		Progress:  q,
		Validator: guardrail.Validator{DefaultCountryCode: cfg.DefaultCountryCode},
		Cfg: dispatch.Config{
			BatchSize:     cfg.BatchSize,
			Concurrency:   cfg.Concurrency,
			StepRetries:   cfg.StepRetries,
			SendTimeout:   cfg.SendTimeout,
			FlushInterval: cfg.ProgressFlushInterval,
		},
		Log: logger,
	}

	logger.Info().Msg("worker running, waiting for dispatch jobs")
	err = q.ConsumeDispatch(func(job queue.DispatchJob) error {
		return orchestrator.Run(context.Background(), job.CampaignID, job.RunID)
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("consumer stopped")
	}
}
