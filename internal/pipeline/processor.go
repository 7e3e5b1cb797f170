package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Belladihno/email-service/internal/clients"
	"github.com/Belladihno/email-service/internal/clock"
	"github.com/Belladihno/email-service/internal/domain"
	"github.com/Belladihno/email-service/internal/observability"
	"github.com/Belladihno/email-service/internal/provider"
	"github.com/Belladihno/email-service/internal/repository"
	"github.com/Belladihno/email-service/internal/retry"
)

const callbackTimeout = 10 * time.Second

// IdempotencyGuard decides whether a message id has already been accepted
// for processing.
type IdempotencyGuard interface {
	ShouldSkip(ctx context.Context, requestID string) (bool, error)
}

// Renderer is the combined render endpoint: user lookup, preference fetch,
// and template substitution in one call.
type Renderer interface {
	RenderForUser(ctx context.Context, req clients.RenderRequest) (domain.RenderedNotification, error)
}

// UserFetcher and TemplateFetcher back the split fallback path used when
// the combined render endpoint is unavailable.
type UserFetcher interface {
	GetByID(ctx context.Context, userID, correlationID string) (domain.User, error)
}

type TemplateFetcher interface {
	GetByCode(ctx context.Context, code, correlationID string) (domain.Template, error)
	Render(template domain.Template, variables domain.TemplateVariables) (subject, body string)
}

// StatusNotifier reports terminal outcomes back to the originating service.
// Implementations are fire-and-forget; failures must not affect delivery.
type StatusNotifier interface {
	NotifyDelivered(ctx context.Context, notificationID, correlationID string)
	NotifyFailed(ctx context.Context, notificationID, errorMessage, correlationID string)
}

// DispatchGuard wraps downstream calls in a circuit breaker.
type DispatchGuard interface {
	Execute(ctx context.Context, name string, op func() error) error
}

// DispatchLimiter paces provider calls.
type DispatchLimiter interface {
	Wait(ctx context.Context, name string) error
}

// Scheduler defers a task, then runs it on the shared pool.
type Scheduler interface {
	Schedule(ctx context.Context, delay time.Duration, task func(context.Context))
}

// Processor runs one message through the delivery pipeline:
//
//  1. idempotency check (skip already-seen request ids)
//  2. delivery record creation
//  3. content render, with fallback to split lookups
//  4. channel preference check
//  5. rate-limited, breaker-guarded provider dispatch
//  6. status update plus async callback
//  7. retry scheduling on transient failure
//
// Retries re-enter at Deliver, past the idempotency guard: the guard
// answers "seen from the broker before", and a scheduled retry is the
// same request, not a new sighting.
type Processor struct {
	guard     IdempotencyGuard
	logs      repository.EmailLogRepository
	renderer  Renderer
	users     UserFetcher
	templates TemplateFetcher
	notifier  StatusNotifier
	dispatch  provider.Provider
	breaker   DispatchGuard
	limiter   DispatchLimiter
	scheduler Scheduler
	policy    retry.Policy
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
}

type ProcessorDeps struct {
	Guard     IdempotencyGuard
	Logs      repository.EmailLogRepository
	Renderer  Renderer
	Users     UserFetcher
	Templates TemplateFetcher
	Notifier  StatusNotifier
	Provider  provider.Provider
	Breaker   DispatchGuard
	Limiter   DispatchLimiter
	Policy    retry.Policy
	Clock     clock.Clock
	Logger    *slog.Logger
}

func NewProcessor(deps ProcessorDeps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Processor{
		guard:     deps.Guard,
		logs:      deps.Logs,
		renderer:  deps.Renderer,
		users:     deps.Users,
		templates: deps.Templates,
		notifier:  deps.Notifier,
		dispatch:  deps.Provider,
		breaker:   deps.Breaker,
		limiter:   deps.Limiter,
		policy:    deps.Policy,
		clock:     clk,
		logger:    logger,
	}
}

// WithScheduler enables delayed retries. Without one, transient failures
// become terminal on the first attempt.
func (p *Processor) WithScheduler(s Scheduler) *Processor {
	p.scheduler = s
	return p
}

// WithMetrics enables Prometheus metrics collection.
func (p *Processor) WithMetrics(m *observability.Metrics) *Processor {
	p.metrics = m
	return p
}

// Process handles one message fresh from the broker. A nil return means
// the message was handled (delivered, skipped, or queued for retry) and
// can be acked; an error means infrastructure trouble the consumer should
// route to the failed queue.
func (p *Processor) Process(ctx context.Context, msg domain.NotificationMessage) error {
	if p.metrics != nil {
		p.metrics.MessagesProcessed.Inc()
	}
	start := p.clock.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ProcessingDuration.Observe(p.clock.Now().Sub(start).Seconds())
		}
	}()

	if err := msg.Validate(); err != nil {
		if p.metrics != nil {
			p.metrics.MalformedMessages.Inc()
		}
		return fmt.Errorf("invalid message: %w", err)
	}

	skip, err := p.guard.ShouldSkip(ctx, msg.RequestID)
	if err != nil {
		// At-least-once beats at-most-once: process anyway when the
		// guard store is unreachable. The log table dedupes on request id.
		p.logger.Warn("idempotency check failed, processing anyway",
			"error", err,
			"request_id", msg.RequestID,
		)
	}
	if skip {
		if p.metrics != nil {
			p.metrics.DuplicatesSkipped.Inc()
		}
		p.logger.Info("skipping duplicate message", "request_id", msg.RequestID)
		return nil
	}

	p.Deliver(ctx, msg)
	return nil
}

// Deliver runs the post-guard stages. Scheduled retries re-enter here.
func (p *Processor) Deliver(ctx context.Context, msg domain.NotificationMessage) {
	correlationID := msg.RequestID
	logger := p.logger.With(
		"request_id", msg.RequestID,
		"user_id", msg.UserID,
		"template_code", msg.TemplateCode,
	)

	record, err := p.ensureRecord(ctx, msg)
	if err != nil {
		// Best effort: delivery proceeds without a durable record rather
		// than losing the notification to a database blip.
		logger.Warn("failed to ensure delivery record", "error", err)
	}
	if record != nil && record.IsTerminal() {
		logger.Info("delivery already terminal, skipping", "status", record.Status)
		return
	}

	rendered, err := p.render(ctx, msg, correlationID)
	if err != nil {
		p.handleFailure(ctx, msg, record, logger, err)
		return
	}

	// The record predates resolution, so the resolved address is written
	// back once known. Status queries report the address, not the user id.
	if record != nil && record.Email != rendered.Email {
		if err := p.logs.UpdateEmail(ctx, msg.RequestID, rendered.Email); err != nil {
			logger.Warn("failed to store resolved address", "error", err)
		} else {
			record.Email = rendered.Email
		}
	}

	if !rendered.UserPreferences.Email {
		logger.Info("email channel disabled for user, dropping")
		p.finishFailed(ctx, msg, record, logger, domain.ErrChannelDisabled.Error())
		return
	}

	dispatchErr := p.dispatchEmail(ctx, msg, rendered, correlationID)
	if dispatchErr != nil {
		p.handleFailure(ctx, msg, record, logger, dispatchErr)
		return
	}

	sentAt := p.clock.Now()
	if record != nil {
		if err := p.logs.MarkDelivered(ctx, msg.RequestID, sentAt); err != nil {
			logger.Error("failed to mark delivered", "error", err)
		}
	}
	if p.metrics != nil {
		p.metrics.MessagesDelivered.Inc()
	}
	logger.Info("notification delivered", "email", rendered.Email)

	p.notifyAsync(record, func(ctx context.Context, notificationID string) {
		p.notifier.NotifyDelivered(ctx, notificationID, correlationID)
	})
}

// ensureRecord creates the pending log row, or loads the existing one when
// this request id has been seen before.
func (p *Processor) ensureRecord(ctx context.Context, msg domain.NotificationMessage) (*domain.EmailLog, error) {
	now := p.clock.Now()
	record := &domain.EmailLog{
		RequestID:      msg.RequestID,
		NotificationID: uuid.NewString(),
		UserID:         msg.UserID,
		TemplateCode:   msg.TemplateCode,
		Status:         domain.NotificationStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := p.logs.Create(ctx, record)
	if err != nil {
		return nil, err
	}
	if created {
		return record, nil
	}
	return p.logs.GetByRequestID(ctx, msg.RequestID)
}

// render resolves recipient, preferences, and content. The combined
// render endpoint is preferred; when it is unavailable the split lookups
// reproduce its output client-side.
func (p *Processor) render(ctx context.Context, msg domain.NotificationMessage, correlationID string) (domain.RenderedNotification, error) {
	rendered, err := p.renderer.RenderForUser(ctx, clients.RenderRequest{
		UserID:        msg.UserID,
		TemplateCode:  msg.TemplateCode,
		Variables:     clients.RenderVariables(msg.Variables),
		CorrelationID: correlationID,
		Metadata:      msg.Metadata,
	})
	if err == nil {
		return rendered, nil
	}
	if !errors.Is(err, domain.ErrRenderUnavailable) {
		return domain.RenderedNotification{}, err
	}

	user, err := p.users.GetByID(ctx, msg.UserID, correlationID)
	if err != nil {
		return domain.RenderedNotification{}, fmt.Errorf("resolve user: %w", err)
	}

	template, err := p.templates.GetByCode(ctx, msg.TemplateCode, correlationID)
	if err != nil {
		return domain.RenderedNotification{}, fmt.Errorf("resolve template: %w", err)
	}

	subject, body := p.templates.Render(template, msg.Variables)
	return domain.RenderedNotification{
		Email:           user.Email,
		Subject:         subject,
		Body:            body,
		UserPreferences: user.Preferences,
	}, nil
}

func (p *Processor) dispatchEmail(ctx context.Context, msg domain.NotificationMessage, rendered domain.RenderedNotification, correlationID string) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, p.dispatch.Name()); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := p.clock.Now()
	err := p.breaker.Execute(ctx, p.dispatch.Name(), func() error {
		return p.dispatch.Send(ctx, provider.Email{
			To:            rendered.Email,
			ToName:        msg.Variables.Name,
			Subject:       rendered.Subject,
			HTMLBody:      rendered.Body,
			CorrelationID: correlationID,
		})
	})
	if p.metrics != nil {
		p.metrics.DispatchDuration.Observe(p.clock.Now().Sub(start).Seconds())
	}
	return err
}

// handleFailure classifies the error and either schedules a retry or
// finishes the delivery as failed.
func (p *Processor) handleFailure(ctx context.Context, msg domain.NotificationMessage, record *domain.EmailLog, logger *slog.Logger, cause error) {
	// Without a record there is no durable attempt counter, and retrying
	// blind risks a retry loop that never exhausts. Fail closed.
	if record == nil {
		logger.Warn("delivery failed without a durable record, not retrying", "error", cause)
		p.finishFailed(ctx, msg, record, logger, cause.Error())
		return
	}

	retryCount, err := p.logs.IncrementRetry(ctx, msg.RequestID, cause.Error())
	if err != nil {
		logger.Error("failed to record retry", "error", err)
		retryCount = record.RetryCount + 1
	}

	if p.isTerminal(cause) {
		logger.Warn("permanent delivery failure", "error", cause)
		p.finishFailed(ctx, msg, record, logger, cause.Error())
		return
	}

	if p.scheduler == nil || p.policy.Exhausted(retryCount) {
		logger.Warn("delivery retries exhausted",
			"error", cause,
			"retry_count", retryCount,
		)
		p.finishFailed(ctx, msg, record, logger, cause.Error())
		return
	}

	delay := p.policy.Delay(retryCount)
	logger.Info("scheduling delivery retry",
		"error", cause,
		"retry_count", retryCount,
		"delay", delay,
	)
	if p.metrics != nil {
		p.metrics.MessagesRetried.Inc()
	}
	p.scheduler.Schedule(ctx, delay, func(ctx context.Context) {
		p.Deliver(ctx, msg)
	})
}

func (p *Processor) finishFailed(ctx context.Context, msg domain.NotificationMessage, record *domain.EmailLog, logger *slog.Logger, reason string) {
	if record != nil {
		if err := p.logs.MarkFailed(ctx, msg.RequestID, reason); err != nil {
			logger.Error("failed to mark failed", "error", err)
		}
	}
	if p.metrics != nil {
		p.metrics.MessagesFailed.Inc()
	}

	p.notifyAsync(record, func(ctx context.Context, notificationID string) {
		p.notifier.NotifyFailed(ctx, notificationID, reason, msg.RequestID)
	})
}

// isTerminal reports whether cause can never succeed on retry.
func (p *Processor) isTerminal(cause error) bool {
	return errors.Is(cause, domain.ErrNotFound) ||
		errors.Is(cause, domain.ErrInvalidInput) ||
		errors.Is(cause, domain.ErrChannelDisabled) ||
		errors.Is(cause, provider.ErrRejected)
}

// notifyAsync fires the status callback without blocking the ack path.
// The callback uses its own deadline so consumer shutdown does not cancel
// an update already in flight.
func (p *Processor) notifyAsync(record *domain.EmailLog, fn func(ctx context.Context, notificationID string)) {
	if p.notifier == nil || record == nil {
		return
	}
	notificationID := record.NotificationID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		fn(ctx, notificationID)
	}()
}
