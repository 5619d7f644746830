// Package worker drives the render execution loop: claim eligible jobs,
// run the pipeline stages, report progress, and apply the retry policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"audio-render-pipeline/internal/composition"
	"audio-render-pipeline/internal/config"
	"audio-render-pipeline/internal/models"
	"audio-render-pipeline/internal/notify"
	"audio-render-pipeline/internal/render"
	"audio-render-pipeline/internal/store"
	"audio-render-pipeline/internal/telemetry"
)

// JobStore is the slice of the Postgres store the processor needs. All
// writes are conditional on lock ownership; store.ErrNotClaimed means the
// job was cancelled or reaped out from under us and work must stop.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ClaimJob(ctx context.Context, id, workerID string) (models.Job, bool, error)
	UpdateProgress(ctx context.Context, id, workerID string, progress int, stage models.RenderStage, message string) error
	Heartbeat(ctx context.Context, id, workerID string) error
	CompleteJob(ctx context.Context, id, workerID, outputURL string) error
	RequeueRetry(ctx context.Context, id, workerID, errMsg, errDetails string) error
	FailJob(ctx context.Context, id, workerID, errMsg, errDetails string) error
	ReapExpiredLocks(ctx context.Context, lease time.Duration) ([]string, error)
	PendingJobs(ctx context.Context, limit int) ([]models.Job, error)
}

// JobQueue orders and leases job ids.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID, priority string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Schedule(ctx context.Context, jobID, priority string, runAt time.Time) error
	Ack(ctx context.Context, jobID string) error
	Contains(ctx context.Context, jobID string) (bool, error)
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Engine executes the DSP operations for each stage. Implementations must
// honor context cancellation; calls may take seconds to minutes.
type Engine interface {
	PrepareAssets(ctx context.Context, job models.Job) error
	SynthesizeVoice(ctx context.Context, job models.Job) (string, error)
	MixLayers(ctx context.Context, job models.Job, voicePath string) (string, error)
	Normalize(ctx context.Context, job models.Job, mixPath string) (string, error)
	Upload(ctx context.Context, job models.Job, finalPath string) (string, error)
	Cleanup(jobID string)
}

// errStopped signals that the job left our ownership mid-run (cancelled or
// lease reaped); the worker abandons it without writing a terminal state.
var errStopped = errors.New("job no longer owned by this worker")

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    JobQueue
	store    JobStore
	engine   Engine
	notifier notify.Notifier
	log      *zap.Logger
	workerID string
}

// NewProcessor wires a processor. workerID identifies this worker in lock
// ownership records.
func NewProcessor(cfg config.Config, q JobQueue, st JobStore, engine Engine, notifier notify.Notifier, log *zap.Logger, workerID string) *Processor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		engine:   engine,
		notifier: notifier,
		log:      log,
		workerID: workerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	var lastRescue time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		p.reapAbandoned(ctx)
		if p.cfg.RescueInterval > 0 && time.Since(lastRescue) >= p.cfg.RescueInterval {
			p.rescuePending(ctx)
			lastRescue = time.Now()
		}

		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.handleClaim(ctx, jobID)
	}
}

// reapAbandoned requeues jobs whose lease expired, in both Redis and
// Postgres, so a crashed worker's jobs become claimable again.
func (p *Processor) reapAbandoned(ctx context.Context) {
	if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
		telemetry.LeasesReaped.Add(float64(len(reclaimed)))
		p.log.Warn("requeued expired leases", zap.Int("count", len(reclaimed)))
	}
	ids, err := p.store.ReapExpiredLocks(ctx, p.cfg.LockLease)
	if err != nil {
		p.log.Error("reap expired locks", zap.Error(err))
		return
	}
	for _, id := range ids {
		job, err := p.store.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if job.Status == models.StatusPending {
			if err := p.queue.Enqueue(ctx, id, job.Priority); err != nil {
				// The rescue sweep picks the row up later.
				p.log.Error("requeue reaped job", zap.String("job_id", id), zap.Error(err))
			}
		} else {
			// Reaper exhausted the job's retries.
			_ = p.queue.DLQPush(ctx, id)
			p.publish(ctx, job)
		}
	}
}

// rescuePending re-enqueues pending store rows that have no queue entry
// left, e.g. a retry whose Schedule write was lost or a worker that died
// between Ack and Schedule. Duplicate entries are harmless because the store
// claim is atomic.
func (p *Processor) rescuePending(ctx context.Context) {
	jobs, err := p.store.PendingJobs(ctx, 100)
	if err != nil {
		p.log.Error("list pending jobs", zap.Error(err))
		return
	}
	for _, job := range jobs {
		tracked, err := p.queue.Contains(ctx, job.ID)
		if err != nil || tracked {
			continue
		}
		if err := p.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
			p.log.Error("rescue enqueue", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		p.log.Warn("requeued orphaned pending job", zap.String("job_id", job.ID))
	}
}

// handleClaim converts a leased queue id into an owned job and executes it.
func (p *Processor) handleClaim(ctx context.Context, jobID string) {
	job, claimed, err := p.store.ClaimJob(ctx, jobID, p.workerID)
	if err != nil {
		p.log.Error("claim job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !claimed {
		// Lost the race, or the job was cancelled while queued. Either way
		// it is not ours; drop the lease and move on.
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.log.With(zap.String("job_id", job.ID), zap.String("worker_id", p.workerID))
	log.Info("job claimed",
		zap.String("priority", job.Priority),
		zap.Int("retry_count", job.RetryCount))

	p.publish(ctx, withStatus(job, models.StatusProcessing))

	outputURL, err := p.runStages(ctx, job, log)
	p.engine.Cleanup(job.ID)

	switch {
	case err == nil:
		if err := p.store.CompleteJob(ctx, job.ID, p.workerID, outputURL); err != nil {
			// Cancelled during the final stage; the cancel state wins.
			log.Warn("completion write refused", zap.Error(err))
			_ = p.queue.Ack(ctx, job.ID)
			return
		}
		_ = p.queue.Ack(ctx, job.ID)
		telemetry.JobsCompleted.Inc()
		log.Info("job completed", zap.String("output_url", outputURL))
		completed := withStatus(job, models.StatusCompleted)
		completed.Progress = 100
		completed.Stage = models.StageCompleted
		completed.OutputURL = &outputURL
		p.publish(ctx, completed)

	case errors.Is(err, errStopped):
		// Cancellation or lease loss; whoever took the job away owns its
		// state now.
		_ = p.queue.Ack(ctx, job.ID)
		log.Info("job released mid-run")

	default:
		p.handleFailure(ctx, job, err, log)
	}
}

// runStages walks the render pipeline, writing a progress checkpoint after
// each stage and checking for cancellation in between.
func (p *Processor) runStages(ctx context.Context, job models.Job, log *zap.Logger) (string, error) {
	// Defense against stale or tampered payloads: re-validate the
	// composition before spending any render time.
	if err := composition.Validate(job.Payload.Layers); err != nil {
		return "", render.Fatal(err)
	}

	// A single ffmpeg or TTS call can outlast the lease, so the lock is
	// refreshed continuously while stages run, not just at boundaries.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.keepAlive(hbCtx, job.ID)

	if err := p.engine.PrepareAssets(ctx, job); err != nil {
		return "", err
	}
	if err := p.checkpoint(ctx, job, models.StagePreparing, log); err != nil {
		return "", err
	}

	voicePath, err := p.engine.SynthesizeVoice(ctx, job)
	if err != nil {
		return "", err
	}
	if err := p.checkpoint(ctx, job, models.StageTTS, log); err != nil {
		return "", err
	}

	mixPath, err := p.engine.MixLayers(ctx, job, voicePath)
	if err != nil {
		return "", err
	}
	if err := p.checkpoint(ctx, job, models.StageMixing, log); err != nil {
		return "", err
	}

	finalPath, err := p.engine.Normalize(ctx, job, mixPath)
	if err != nil {
		return "", err
	}
	if err := p.checkpoint(ctx, job, models.StageNormalizing, log); err != nil {
		return "", err
	}

	outputURL, err := p.engine.Upload(ctx, job, finalPath)
	if err != nil {
		return "", err
	}
	if err := p.checkpoint(ctx, job, models.StageUploading, log); err != nil {
		return "", err
	}

	return outputURL, nil
}

// checkpoint records a completed stage: progress write, lease extension,
// subscriber notification. A refused write means the job is no longer ours.
func (p *Processor) checkpoint(ctx context.Context, job models.Job, stage models.RenderStage, log *zap.Logger) error {
	if cancelled, err := p.cancelled(ctx, job.ID); err != nil {
		return err
	} else if cancelled {
		return errStopped
	}

	progress := stage.Checkpoint()
	if err := p.store.UpdateProgress(ctx, job.ID, p.workerID, progress, stage, stage.Message()); err != nil {
		if errors.Is(err, store.ErrNotClaimed) {
			return errStopped
		}
		return fmt.Errorf("record stage %s: %w", stage, err)
	}
	_ = p.queue.ExtendLease(ctx, job.ID, p.cfg.LockLease)

	log.Debug("stage complete", zap.String("stage", string(stage)), zap.Int("progress", progress))

	update := withStatus(job, models.StatusProcessing)
	update.Progress = progress
	update.Stage = stage
	p.publish(ctx, update)
	return nil
}

// keepAlive refreshes the Postgres lock and Redis lease until the context is
// cancelled or the job leaves our ownership.
func (p *Processor) keepAlive(ctx context.Context, jobID string) {
	interval := p.cfg.LockLease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, jobID, p.workerID); err != nil {
				if errors.Is(err, store.ErrNotClaimed) {
					return
				}
				p.log.Warn("heartbeat", zap.String("job_id", jobID), zap.Error(err))
				continue
			}
			_ = p.queue.ExtendLease(ctx, jobID, p.cfg.LockLease)
		}
	}
}

func (p *Processor) cancelled(ctx context.Context, jobID string) (bool, error) {
	current, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("poll job status: %w", err)
	}
	return current.Status == models.StatusCancelled, nil
}

// handleFailure applies the error taxonomy: fatal errors terminate
// immediately; transient errors retry with backoff until retries are
// exhausted.
func (p *Processor) handleFailure(ctx context.Context, job models.Job, jobErr error, log *zap.Logger) {
	detail := jobErr.Error()

	if !render.IsFatal(jobErr) && job.RetryCount < job.MaxRetries {
		if err := p.store.RequeueRetry(ctx, job.ID, p.workerID, "render failed, retrying", detail); err != nil {
			log.Warn("retry write refused", zap.Error(err))
			_ = p.queue.Ack(ctx, job.ID)
			return
		}

		attempts := job.RetryCount + 1
		backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
		nextRun := time.Now().Add(backoff)
		if err := p.queue.Schedule(ctx, job.ID, job.Priority, nextRun); err != nil {
			// Keep the inflight lease: its expiry re-delivers the id, and the
			// rescue sweep backstops that. Acking here would orphan the row.
			log.Error("schedule retry", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		_ = p.queue.Ack(ctx, job.ID)
		telemetry.JobsRetried.Inc()
		log.Warn("job requeued for retry",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(jobErr))

		retried := withStatus(job, models.StatusPending)
		msg := "render failed, retrying"
		retried.ErrorMessage = &msg
		p.publish(ctx, retried)
		return
	}

	reason := "render failed"
	if render.IsFatal(jobErr) {
		reason = "render failed permanently"
	}
	if err := p.store.FailJob(ctx, job.ID, p.workerID, reason, detail); err != nil {
		log.Warn("failure write refused", zap.Error(err))
		_ = p.queue.Ack(ctx, job.ID)
		return
	}
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.DLQPush(ctx, job.ID)
	telemetry.JobsFailed.Inc()
	log.Error("job failed", zap.Bool("fatal", render.IsFatal(jobErr)), zap.Error(jobErr))

	failed := withStatus(job, models.StatusFailed)
	failed.ErrorMessage = &reason
	p.publish(ctx, failed)
}

func (p *Processor) publish(ctx context.Context, job models.Job) {
	update := models.JobUpdate{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		Stage:        job.Stage,
		StageMessage: job.Stage.Message(),
		OutputURL:    job.OutputURL,
		ErrorMessage: job.ErrorMessage,
		At:           time.Now().UTC(),
	}
	if err := p.notifier.PublishUpdate(ctx, update); err != nil {
		p.log.Warn("publish update", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func withStatus(job models.Job, status string) models.Job {
	job.Status = status
	return job
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
