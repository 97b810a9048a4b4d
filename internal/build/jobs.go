package build

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zkgate/internal/build/metrics"
	"zkgate/pkg/domain"
	dErrors "zkgate/pkg/domain-errors"
	audit "zkgate/pkg/platform/audit"
	"zkgate/pkg/platform/sentinel"
)

// Deployer runs one deploy. *Pipeline implements it.
type Deployer interface {
	Deploy(ctx context.Context, req Request) (*Result, error)
}

type Notifier interface {
	Notify(ctx context.Context, target string, payload WebhookPayload) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Jobs queues deploys for a fixed pool of workers.
type Jobs struct {
	deployer  Deployer
	store     JobStore
	notifier  Notifier
	auditor   AuditPublisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	workers   int
	timeout   time.Duration
	publicURL string
	now       func() time.Time

	queue chan *Job
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

type JobsOption func(*Jobs)

func WithWorkers(n int) JobsOption {
	return func(j *Jobs) {
		if n > 0 {
			j.workers = n
		}
	}
}

func WithQueueSize(n int) JobsOption {
	return func(j *Jobs) {
		if n > 0 {
			j.queue = make(chan *Job, n)
		}
	}
}

// WithJobTimeout bounds a single deploy.
func WithJobTimeout(d time.Duration) JobsOption {
	return func(j *Jobs) {
		j.timeout = d
	}
}

func WithNotifier(n Notifier) JobsOption {
	return func(j *Jobs) {
		j.notifier = n
	}
}

// WithPublicURL sets the base URL advertised to webhooks as the prove endpoint.
func WithPublicURL(u string) JobsOption {
	return func(j *Jobs) {
		j.publicURL = strings.TrimRight(u, "/")
	}
}

func WithJobsLogger(logger *slog.Logger) JobsOption {
	return func(j *Jobs) {
		j.logger = logger
	}
}

func WithJobsMetrics(m *metrics.Metrics) JobsOption {
	return func(j *Jobs) {
		j.metrics = m
	}
}

func WithJobsAuditPublisher(p AuditPublisher) JobsOption {
	return func(j *Jobs) {
		j.auditor = p
	}
}

func NewJobs(deployer Deployer, store JobStore, opts ...JobsOption) *Jobs {
	j := &Jobs{
		deployer: deployer,
		store:    store,
		logger:   slog.Default(),
		workers:  2,
		timeout:  5 * time.Minute,
		now:      time.Now,
		queue:    make(chan *Job, 64),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start launches the workers. They stop after Close drains the queue.
func (j *Jobs) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	for i := 0; i < j.workers; i++ {
		j.wg.Add(1)
		go func() {
			defer j.wg.Done()
			for job := range j.queue {
				j.metrics.SetQueueDepth(len(j.queue))
				j.run(ctx, job)
			}
		}()
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (j *Jobs) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	j.wg.Wait()
}

// Submit records a queued job and hands it to the pool. A full queue is
// reported as CodeUnavailable and the job is recorded as failed.
func (j *Jobs) Submit(ctx context.Context, req Request, webhookURL string) (*Job, error) {
	if req.TenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant_id is required")
	}
	if len(req.Document) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "dsl is required")
	}
	if webhookURL != "" {
		if err := validateWebhookURL(webhookURL); err != nil {
			return nil, dErrors.New(dErrors.CodeInvalidInput, err.Error())
		}
	}

	job := newJob(req, webhookURL, j.now())
	if err := j.store.Save(ctx, job); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to record build job")
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, j.reject(ctx, job, "build queue is shut down")
	}
	select {
	case j.queue <- job.clone():
	default:
		return nil, j.reject(ctx, job, "build queue is full")
	}
	j.metrics.SetQueueDepth(len(j.queue))

	j.emit(ctx, audit.EventBuildQueued, job, "")
	j.logger.InfoContext(ctx, "build job queued", "job_id", job.ID, "tenant_id", job.TenantID)
	return job, nil
}

func (j *Jobs) reject(ctx context.Context, job *Job, msg string) error {
	job.markFailed(string(dErrors.CodeUnavailable), msg, j.now())
	if err := j.store.Save(ctx, job); err != nil {
		j.logger.WarnContext(ctx, "failed to record rejected job", "job_id", job.ID, "error", err)
	}
	j.metrics.IncJob("rejected")
	return dErrors.New(dErrors.CodeUnavailable, msg)
}

// Get returns a job's current state.
func (j *Jobs) Get(ctx context.Context, id domain.JobID) (*Job, error) {
	job, err := j.store.Get(ctx, id.String())
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "build job not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load build job")
	}
	return job, nil
}

func (j *Jobs) run(ctx context.Context, job *Job) {
	job.markBuilding(j.now())
	if err := j.store.Save(ctx, job); err != nil {
		j.logger.WarnContext(ctx, "failed to record job start", "job_id", job.ID, "error", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, j.timeout)
	res, err := j.deployer.Deploy(runCtx, job.request())
	cancel()

	if err != nil {
		msg := err.Error()
		if de, ok := dErrors.As(err); ok {
			msg = de.Message
		}
		job.markFailed(string(dErrors.CodeOf(err)), msg, j.now())
		j.metrics.IncJob(string(JobFailed))
		j.emit(ctx, audit.EventBuildFailed, job, job.ErrorCode)
	} else {
		job.markCompleted(res, j.now())
		j.metrics.IncJob(string(JobCompleted))
		j.emit(ctx, audit.EventBuildCompleted, job, "")
	}

	if err := j.store.Save(ctx, job); err != nil {
		j.logger.ErrorContext(ctx, "failed to record job result", "job_id", job.ID, "error", err)
	}
	j.logger.InfoContext(ctx, "build job finished",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"status", job.Status,
		"error_code", job.ErrorCode,
	)
	j.notify(ctx, job)
}

func (j *Jobs) notify(ctx context.Context, job *Job) {
	if j.notifier == nil || job.WebhookURL == "" {
		return
	}
	payload := WebhookPayload{
		JobID:           job.ID,
		TenantID:        job.TenantID.String(),
		Status:          job.Status,
		ProgramIdentity: job.ProgramIdentity,
		Error:           job.Error,
	}
	if job.Status == JobCompleted && j.publicURL != "" {
		payload.APIEndpoint = j.publicURL + "/api/prove"
	}
	if err := j.notifier.Notify(ctx, job.WebhookURL, payload); err != nil {
		j.metrics.IncWebhook("error")
		j.logger.WarnContext(ctx, "webhook delivery failed", "job_id", job.ID, "error", err)
		return
	}
	j.metrics.IncWebhook("ok")
}

func (j *Jobs) emit(ctx context.Context, action audit.AuditEvent, job *Job, reason string) {
	if j.auditor == nil {
		return
	}
	err := j.auditor.Emit(ctx, audit.Event{
		Category:        action.Category(),
		Action:          string(action),
		TenantID:        job.TenantID,
		ProgramIdentity: job.ProgramIdentity,
		Subject:         job.ID,
		Reason:          reason,
	})
	if err != nil {
		j.logger.WarnContext(ctx, "failed to emit build audit event", "action", action, "error", err)
	}
}
