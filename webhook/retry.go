package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slotline/relay/id"
	"github.com/slotline/relay/telemetry"
)

// CoordinatorConfig controls scheduling and retry policy.
type CoordinatorConfig struct {
	Workers        int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	PollInterval   time.Duration
	BatchSize      int
}

// Coordinator drives the delivery queue: it polls for due attempts, claims
// them, hands them to a bounded worker pool, and settles each outcome with
// exponential backoff.
type Coordinator struct {
	store      *Store
	dispatcher *Dispatcher
	generator  id.Generator
	config     CoordinatorConfig

	work chan Attempt
	wake chan struct{}
	wg   sync.WaitGroup
}

func NewCoordinator(
	store *Store,
	dispatcher *Dispatcher,
	generator id.Generator,
	config CoordinatorConfig,
) *Coordinator {
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		generator:  generator,
		config:     config,
		work:       make(chan Attempt, config.Workers),
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the poll loop and worker pool. Delivery stops when ctx is
// cancelled; Wait blocks until in-flight attempts have settled.
func (c *Coordinator) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}

	c.wg.Add(1)
	go c.pollLoop(ctx)

	log.Info().
		Int("workers", c.config.Workers).
		Int("max_attempts", c.config.MaxAttempts).
		Dur("poll_interval", c.config.PollInterval).
		Msg("Webhook delivery started")
}

// Wait blocks until the poll loop and all workers have exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.work)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		c.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

func (c *Coordinator) pollOnce(ctx context.Context) {
	due, err := c.store.DueAttempts(time.Now(), c.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Unable to query due webhook attempts")
		return
	}

	for _, attempt := range due {
		claimed, err := c.store.Claim(attempt.ID, attempt.Attempts, time.Now())
		if err != nil {
			log.Error().Err(err).Uint64("attempt_id", attempt.ID).Msg("Unable to claim attempt")
			continue
		}
		if !claimed {
			continue
		}

		select {
		case c.work <- attempt:
		case <-ctx.Done():
			// Shutting down with the row already inflight; startup
			// recovery will return it to pending.
			return
		}
	}
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()
	for attempt := range c.work {
		c.deliver(ctx, attempt)
	}
}

func (c *Coordinator) deliver(ctx context.Context, attempt Attempt) {
	out := c.dispatcher.Deliver(ctx, attempt)

	if out.Delivered() {
		if err := c.store.MarkSent(attempt.ID, out); err != nil {
			log.Error().Err(err).Uint64("attempt_id", attempt.ID).Msg("Unable to mark attempt sent")
			return
		}
		telemetry.WebhookAttemptsTotal.With("sent").Inc()
		log.Debug().
			Uint64("attempt_id", attempt.ID).
			Str("url", attempt.URL).
			Int("status_code", out.StatusCode).
			Msg("Webhook delivered")
		return
	}

	tried := attempt.Attempts + 1
	final := tried >= c.config.MaxAttempts
	nextAttemptAt := out.At.Add(c.backoffFor(attempt.Attempts))

	if err := c.store.MarkFailedAttempt(attempt.ID, out, nextAttemptAt, final); err != nil {
		log.Error().Err(err).Uint64("attempt_id", attempt.ID).Msg("Unable to record attempt failure")
		return
	}

	if final {
		telemetry.WebhookAttemptsTotal.With("failed").Inc()
		log.Warn().
			Uint64("attempt_id", attempt.ID).
			Str("resource_key", attempt.ResourceKey).
			Str("url", attempt.URL).
			Int("attempts", tried).
			Int("status_code", out.StatusCode).
			Str("error", out.Err).
			Msg("Webhook delivery exhausted, awaiting manual resend")
		return
	}

	telemetry.WebhookAttemptsTotal.With("retry").Inc()
	log.Debug().
		Uint64("attempt_id", attempt.ID).
		Str("url", attempt.URL).
		Int("attempts", tried).
		Int("status_code", out.StatusCode).
		Str("error", out.Err).
		Time("next_attempt_at", nextAttemptAt).
		Msg("Webhook delivery failed, scheduled retry")
}

// backoffFor returns the delay before the next try after the given number of
// completed attempts: base doubled per attempt, capped at the ceiling.
func (c *Coordinator) backoffFor(completed int) time.Duration {
	if completed >= 30 {
		return c.config.BackoffCeiling
	}
	delay := c.config.BackoffBase << uint(completed)
	if delay > c.config.BackoffCeiling || delay <= 0 {
		return c.config.BackoffCeiling
	}
	return delay
}

// ResendByResource returns every failed or still-pending attempt for the
// resource to the front of the queue and records who asked for it. Sent
// attempts are terminal and not replayed.
func (c *Coordinator) ResendByResource(resourceKey, actor string) (int, error) {
	now := time.Now()
	affected, err := c.store.ResetByResource(resourceKey, now)
	if err != nil {
		return 0, err
	}

	audit := ResendAudit{
		ID:          c.generator.NextID(),
		ResourceKey: resourceKey,
		Actor:       actor,
		Affected:    affected,
		CreatedAt:   now.UnixMilli(),
	}
	if err := c.store.InsertResendAudit(audit); err != nil {
		return affected, err
	}

	telemetry.WebhookResendsTotal.Inc()
	telemetry.WebhookResendRowsTotal.Add(float64(affected))
	log.Info().
		Str("resource_key", resourceKey).
		Str("actor", actor).
		Int("affected", affected).
		Msg("Manual webhook resend")

	// Nudge the poll loop so the reset rows go out without waiting for
	// the next tick.
	select {
	case c.wake <- struct{}{}:
	default:
	}

	return affected, nil
}
