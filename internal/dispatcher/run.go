package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kura-dev/kura/internal/canon"
	"github.com/kura-dev/kura/internal/eventlog"
	"github.com/kura-dev/kura/internal/jobqueue"
	"github.com/kura-dev/kura/internal/projection"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultDequeueLimit = 16
	defaultLeaseHorizon = 2 * time.Minute
	defaultBaseBackoff  = 5 * time.Second
	defaultMaxBackoff   = 5 * time.Minute
	shutdownWaitTimeout = 10 * time.Second
)

// Dispatcher runs the long-running dequeue-process-repeat loop: it wakes on
// a best-effort signal or a poll timer, dequeues due jobs, replays each
// matched handler's history with overlay applied, and upserts the result.
// Handlers run one after another and independently; the Dispatcher opens no
// transaction around a handler's writes, so each projection Upsert or Delete
// commits on its own and there is no cross-handler atomicity.
type Dispatcher struct {
	registry    *Registry
	jobs        jobqueue.Store
	events      eventlog.Store
	projections projection.Store
	scheduler   Scheduler
	logger      *slog.Logger

	pollInterval time.Duration
	dequeueLimit int
	leaseHorizon time.Duration
	wake         chan struct{}

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Scheduler is the subset of the recurring-refit scheduler the Dispatcher's
// housekeeping pass advances on each loop iteration.
type Scheduler interface {
	Tick(ctx context.Context) error
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithPollInterval overrides the poll-timer cadence used when no wake signal
// arrives.
func WithPollInterval(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.pollInterval = d }
}

// WithDequeueLimit overrides how many jobs are claimed per loop iteration.
func WithDequeueLimit(n int) Option {
	return func(disp *Dispatcher) { disp.dequeueLimit = n }
}

// WithLeaseHorizon overrides how long a job may sit in processing before
// housekeeping reclaims it.
func WithLeaseHorizon(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.leaseHorizon = d }
}

// New constructs a Dispatcher. logger, jobs, events, and projections must be
// non-nil; scheduler may be nil if no recurring refit is registered.
func New(registry *Registry, jobs jobqueue.Store, events eventlog.Store, projections projection.Store, scheduler Scheduler, logger *slog.Logger, opts ...Option) *Dispatcher {
	disp := &Dispatcher{
		registry:     registry,
		jobs:         jobs,
		events:       events,
		projections:  projections,
		scheduler:    scheduler,
		logger:       logger,
		pollInterval: defaultPollInterval,
		dequeueLimit: defaultDequeueLimit,
		leaseHorizon: defaultLeaseHorizon,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(disp)
	}

	return disp
}

// Wake delivers a best-effort signal that new work may be available.
// Correctness never depends on this being received; the poll timer is the
// fallback.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run starts the dequeue-process-repeat loop in a new goroutine and returns
// immediately. The loop runs until ctx is cancelled or Close is called.
func (d *Dispatcher) Run(ctx context.Context) {
	go d.loop(ctx)
}

// Close signals the loop to stop and waits for it to exit, up to a timeout.
// Safe to call multiple times.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.stop)

		select {
		case <-d.done:
			d.logger.Info("dispatcher loop stopped gracefully")
		case <-time.After(shutdownWaitTimeout):
			d.logger.Warn("dispatcher loop did not stop within timeout")
		}
	})

	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-d.wake:
			d.iterate(ctx)
		case <-ticker.C:
			d.iterate(ctx)
		}
	}
}

// iterate runs one housekeeping-plus-dequeue pass.
func (d *Dispatcher) iterate(ctx context.Context) {
	if reclaimed, err := d.jobs.ReclaimStale(ctx, d.leaseHorizon); err != nil {
		d.logger.Error("reclaim stale jobs failed", slog.Any("error", err))
	} else if reclaimed > 0 {
		d.logger.Info("reclaimed stale jobs", slog.Int("count", reclaimed))
	}

	if d.scheduler != nil {
		if err := d.scheduler.Tick(ctx); err != nil {
			d.logger.Error("scheduler tick failed", slog.Any("error", err))
		}
	}

	jobs, err := d.jobs.Dequeue(ctx, d.dequeueLimit)
	if err != nil {
		d.logger.Error("dequeue failed", slog.Any("error", err))

		return
	}

	for _, job := range jobs {
		d.process(ctx, job)
	}
}

// process executes every handler matched to a job's event kind, one after
// another (no transaction wraps a handler's writes). A handler-level failure marks the job
// failed and lets the Job Queue's retry policy schedule the next attempt;
// it never aborts processing for other handlers matched to the same job.
func (d *Dispatcher) process(ctx context.Context, job *jobqueue.Job) {
	tenantID, kind, eventID, err := decodeEnqueuePayload(job.Payload)
	if err != nil {
		d.fail(ctx, job, err)

		return
	}

	routingKind, err := d.routingKind(ctx, tenantID, kind, eventID)
	if err != nil {
		d.logger.Error("resolve routing kind failed",
			slog.String("tenant_id", tenantID),
			slog.String("kind", kind),
			slog.String("event_id", eventID),
			slog.Any("error", err),
		)
		d.fail(ctx, job, err)

		return
	}

	handlers := d.registry.HandlersFor(routingKind)
	if len(handlers) == 0 {
		// No handler owns this kind. The job is marked completed and the
		// kind is not recorded anywhere for the tenant.
		d.complete(ctx, job)

		return
	}

	var firstErr error

	for _, h := range handlers {
		if err := d.runHandler(ctx, tenantID, h); err != nil {
			d.logger.Error("handler run failed",
				slog.String("tenant_id", tenantID),
				slog.String("projection_kind", h.ProjectionKind()),
				slog.String("triggering_event_id", eventID),
				slog.Any("error", err),
			)

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		d.fail(ctx, job, firstErr)

		return
	}

	d.complete(ctx, job)
}

// routingKind returns the event kind whose handlers must recompute in
// response to a job's triggering event. A compensating event
// (event.retracted, set.corrected) carries its own kind but names a prior
// event as its target; the projection that needs recomputing belongs to the
// target's kind, not the compensating event's own kind. Routing through to
// the target means a retraction or correction takes effect on the very job
// the Enqueue Trigger created for it, rather than sitting inert until some
// future event of the target's kind happens to arrive and trigger a fresh
// replay.
func (d *Dispatcher) routingKind(ctx context.Context, tenantID, kind, eventID string) (string, error) {
	if kind != eventlog.KindEventRetracted && kind != eventlog.KindSetCorrected {
		return kind, nil
	}

	id, err := canon.ParseID(eventID)
	if err != nil {
		return "", fmt.Errorf("dispatcher: parse event id %q: %w", eventID, err)
	}

	compensating, err := d.events.Get(ctx, tenantID, id)
	if err != nil {
		return "", fmt.Errorf("dispatcher: load compensating event %s: %w", eventID, err)
	}

	if compensating == nil {
		return "", fmt.Errorf("dispatcher: compensating event %s not found", eventID)
	}

	var targetID string

	switch kind {
	case eventlog.KindEventRetracted:
		targetID, _ = compensating.RetractedEventID()
	case eventlog.KindSetCorrected:
		targetID, _, _ = compensating.CorrectionTarget()
	}

	if targetID == "" {
		return "", fmt.Errorf("dispatcher: compensating event %s has no resolvable target", eventID)
	}

	targetEventID, err := canon.ParseID(targetID)
	if err != nil {
		return "", fmt.Errorf("dispatcher: parse target event id %q: %w", targetID, err)
	}

	target, err := d.events.Get(ctx, tenantID, targetEventID)
	if err != nil {
		return "", fmt.Errorf("dispatcher: load target event %s: %w", targetID, err)
	}

	if target == nil {
		return "", fmt.Errorf("dispatcher: target event %s not found", targetID)
	}

	return target.Kind, nil
}

// runHandler replays a handler's declared kinds for tenantID, applies
// retraction/correction overlay, folds the result, and upserts or deletes
// the projection row per key.
func (d *Dispatcher) runHandler(ctx context.Context, tenantID string, h Handler) error {
	history, err := d.events.HistoryForKinds(ctx, tenantID, h.Kinds())
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(history))
	for _, e := range history {
		ids = append(ids, e.ID.String())
	}

	overlayRows, err := d.events.OverlayRowsForTargets(ctx, tenantID, ids)
	if err != nil {
		return err
	}

	overlay := BuildOverlay(overlayRows)
	filtered := overlay.Apply(history)

	// Every key ever touched by the unfiltered history must be visited, even
	// if overlay filtering leaves it with zero surviving events: a key whose
	// only event was fully retracted still needs its stale projection row
	// deleted, per the retraction invariant. Grouping from filtered
	// alone would silently skip that key instead.
	keys := make(map[string]bool)

	for _, e := range history {
		if key, ok := h.KeyFor(e); ok {
			keys[key] = true
		}
	}

	byKey := make(map[string][]*eventlog.Event)

	for _, e := range filtered {
		key, ok := h.KeyFor(e)
		if !ok {
			continue
		}

		byKey[key] = append(byKey[key], e)
	}

	for key := range keys {
		events := byKey[key]
		var state map[string]interface{}

		var lastSourceID string

		for _, e := range events {
			state, err = h.Apply(state, e)
			if err != nil {
				return err
			}

			lastSourceID = e.ID.String()
		}

		if state == nil {
			if err := d.projections.Delete(ctx, tenantID, h.ProjectionKind(), key); err != nil {
				return err
			}

			continue
		}

		if err := d.projections.Upsert(ctx, &projection.Projection{
			TenantID:     tenantID,
			Kind:         h.ProjectionKind(),
			Key:          key,
			Data:         state,
			LastSourceID: lastSourceID,
		}); err != nil {
			return err
		}
	}

	return nil
}

func (d *Dispatcher) complete(ctx context.Context, job *jobqueue.Job) {
	if err := d.jobs.Complete(ctx, job.ID); err != nil {
		d.logger.Error("mark job completed failed", slog.Any("error", err))
	}
}

func (d *Dispatcher) fail(ctx context.Context, job *jobqueue.Job, handlerErr error) {
	backoff := backoffFor(job.Attempt)

	if err := d.jobs.Fail(ctx, job.ID, handlerErr.Error(), backoff); err != nil {
		d.logger.Error("mark job failed failed", slog.Any("error", err))
	}
}

// backoffFor computes exponential backoff bounded by defaultMaxBackoff.
func backoffFor(attempt int) time.Duration {
	backoff := defaultBaseBackoff

	for i := 0; i < attempt; i++ {
		backoff *= 2

		if backoff >= defaultMaxBackoff {
			return defaultMaxBackoff
		}
	}

	return backoff
}

var errMalformedEnqueuePayload = errors.New("dispatcher: job payload is missing tenant_id, kind, or event_id")

func decodeEnqueuePayload(payload map[string]interface{}) (tenantID, kind, eventID string, err error) {
	tenantID, _ = payload["tenant_id"].(string)
	kind, _ = payload["kind"].(string)
	eventID, _ = payload["event_id"].(string)

	if tenantID == "" || kind == "" || eventID == "" {
		return "", "", "", errMalformedEnqueuePayload
	}

	return tenantID, kind, eventID, nil
}
