package throttle

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/bulkwave/bulkwave-backend/internal/model"
	"github.com/bulkwave/bulkwave-backend/internal/repository"
)

// Config bounds the AIMD adjustment. All rates are messages per second.
type Config struct {
	MinRate        float64
	MaxRate        float64
	InitialRate    float64
	IncreaseStep   float64
	Cooldown       time.Duration
	MinIncreaseGap time.Duration
}

// Controller applies additive-increase/multiplicative-decrease to the
// shared per-resource throttle state. State lives in the database behind a
// version check, since concurrent workflow instances may be sending through
// the same resource from different processes.
type Controller struct {
	repo repository.ThrottleRepositoryInterface
	cfg  Config
	log  zerolog.Logger

	now func() time.Time
}

const casAttempts = 5

func NewController(repo repository.ThrottleRepositoryInterface, cfg Config, log zerolog.Logger) *Controller {
	if cfg.MinRate <= 0 {
		cfg.MinRate = 1
	}
	if cfg.MaxRate < cfg.MinRate {
		cfg.MaxRate = cfg.MinRate
	}
	if cfg.InitialRate < cfg.MinRate {
		cfg.InitialRate = cfg.MinRate
	}
	if cfg.InitialRate > cfg.MaxRate {
		cfg.InitialRate = cfg.MaxRate
	}
	if cfg.IncreaseStep <= 0 {
		cfg.IncreaseStep = 1
	}
	return &Controller{repo: repo, cfg: cfg, log: log, now: time.Now}
}

// CurrentRate reads the target rate once at batch start to configure that
// batch's limiter.
func (c *Controller) CurrentRate(resourceKey string) (float64, error) {
	state, err := c.repo.GetOrCreate(resourceKey, c.cfg.InitialRate)
	if err != nil {
		return 0, err
	}
	return clamp(state.TargetRate, c.cfg.MinRate, c.cfg.MaxRate), nil
}

// OnThroughputExceeded halves the target rate (floored at MinRate) and
// starts a cooldown. Returns the new rate. Callers apply at most one
// decrease per batch; that suppression lives with the batch, not here.
func (c *Controller) OnThroughputExceeded(resourceKey string) (float64, error) {
	var newRate float64
	err := c.mutate(resourceKey, func(s *model.ThrottleState, now time.Time) bool {
		s.TargetRate = clamp(s.TargetRate/2, c.cfg.MinRate, c.cfg.MaxRate)
		until := now.Add(c.cfg.Cooldown)
		s.CooldownUntil = &until
		newRate = s.TargetRate
		return true
	})
	if err != nil {
		return 0, err
	}
	c.log.Warn().
		Str("resource", resourceKey).
		Float64("target_rate", newRate).
		Dur("cooldown", c.cfg.Cooldown).
		Msg("throughput exceeded, rate decreased")
	return newRate, nil
}

// OnStableBatch additively raises the target rate when the batch saw no
// throughput signal, the resource is out of cooldown and the minimum gap
// since the last increase has passed. Returns the (possibly unchanged) rate
// and whether an increase was applied. Stability is judged by the absence
// of a negative signal, so batches that exited early still qualify.
func (c *Controller) OnStableBatch(resourceKey string) (float64, bool, error) {
	var newRate float64
	var applied bool
	err := c.mutate(resourceKey, func(s *model.ThrottleState, now time.Time) bool {
		newRate = clamp(s.TargetRate, c.cfg.MinRate, c.cfg.MaxRate)
		applied = false
		if s.InCooldown(now) {
			return false
		}
		if s.LastIncreaseAt != nil && now.Sub(*s.LastIncreaseAt) < c.cfg.MinIncreaseGap {
			return false
		}
		if s.TargetRate >= c.cfg.MaxRate {
			return false
		}
		s.TargetRate = clamp(s.TargetRate+c.cfg.IncreaseStep, c.cfg.MinRate, c.cfg.MaxRate)
		at := now
		s.LastIncreaseAt = &at
		newRate = s.TargetRate
		applied = true
		return true
	})
	if err != nil {
		return 0, false, err
	}
	if applied {
		c.log.Info().
			Str("resource", resourceKey).
			Float64("target_rate", newRate).
			Msg("stable batch, rate increased")
	}
	return newRate, applied, nil
}

// mutate runs the read-current/decide/write cycle, retrying on version
// conflicts. The decide func returns false to skip the write.
func (c *Controller) mutate(resourceKey string, decide func(*model.ThrottleState, time.Time) bool) error {
	var conflict *repository.ErrVersionConflict
	for i := 0; i < casAttempts; i++ {
		state, err := c.repo.GetOrCreate(resourceKey, c.cfg.InitialRate)
		if err != nil {
			return err
		}
		if !decide(state, c.now()) {
			return nil
		}
		err = c.repo.CompareAndSwap(state)
		if err == nil {
			return nil
		}
		if !errors.As(err, &conflict) {
			return err
		}
	}
	return conflict
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
