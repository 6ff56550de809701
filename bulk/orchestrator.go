package bulk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

const (
	defaultPollInterval    = 5 * time.Second
	defaultMaxPollAttempts = 60
	defaultMaxRetries      = 3
	defaultStalledAfter    = 3 * time.Hour
	defaultRetention       = 30 * 24 * time.Hour
)

// StatusReport is what the remote destination says about a running export.
type StatusReport struct {
	Status          core.BulkJobStatus
	ObjectCount     int64
	ProgressPercent int
	ResultURL       string
	Error           string
}

// Launcher drives the remote bulk export API for one destination.
type Launcher interface {
	Start(ctx context.Context, job core.BulkJob) (remoteID string, err error)
	Poll(ctx context.Context, job core.BulkJob) (StatusReport, error)
	Cancel(ctx context.Context, job core.BulkJob) error
}

// Orchestrator owns the bulk job lifecycle: CREATED jobs start on the
// remote side, RUNNING jobs are polled to a terminal status, FAILED and
// TIMED_OUT jobs can retry back to CREATED, and sweeps time out stalled
// runs and purge settled history.
type Orchestrator struct {
	Jobs     core.BulkJobStore
	Launcher Launcher

	PollInterval    time.Duration
	MaxPollAttempts int
	MaxRetries      int
	StalledAfter    time.Duration
	Retention       time.Duration

	Logger  core.Logger
	Metrics core.MetricsRecorder

	Now   func() time.Time
	NewID func() string
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(jobs core.BulkJobStore, launcher Launcher, logger core.Logger) *Orchestrator {
	return &Orchestrator{
		Jobs:            jobs,
		Launcher:        launcher,
		PollInterval:    defaultPollInterval,
		MaxPollAttempts: defaultMaxPollAttempts,
		MaxRetries:      defaultMaxRetries,
		StalledAfter:    defaultStalledAfter,
		Retention:       defaultRetention,
		Logger:          logger,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		NewID: core.NewCorrelationID,
		Sleep: sleepContext,
	}
}

// Create registers a new export job in CREATED without touching the remote
// side.
func (o *Orchestrator) Create(
	ctx context.Context,
	ownerKey string,
	destination core.Destination,
	query string,
	metadata map[string]any,
) (core.BulkJob, error) {
	if o == nil || o.Jobs == nil {
		return core.BulkJob{}, fmt.Errorf("bulk: orchestrator is not configured")
	}
	if strings.TrimSpace(query) == "" {
		return core.BulkJob{}, core.NewValidationError("bulk: export query is required")
	}
	job := core.BulkJob{
		ID:            o.newID(),
		OwnerKey:      strings.TrimSpace(ownerKey),
		Destination:   destination.Normalize(),
		Query:         query,
		Status:        core.BulkJobStatusCreated,
		CorrelationID: o.newID(),
		Metadata:      core.CloneAnyMap(metadata),
		CreatedAt:     o.now(),
	}
	return o.Jobs.Create(ctx, job)
}

// Start launches a CREATED job on the remote destination. Launch failures
// are recorded on the job: retryable ones leave it CREATED for another
// start attempt, terminal ones fail it.
func (o *Orchestrator) Start(ctx context.Context, jobID string) (core.BulkJob, error) {
	if o == nil || o.Jobs == nil || o.Launcher == nil {
		return core.BulkJob{}, fmt.Errorf("bulk: orchestrator is not configured")
	}
	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return core.BulkJob{}, err
	}
	if job.Status != core.BulkJobStatusCreated {
		return job, fmt.Errorf("%w: cannot start job in %s", core.ErrInvalidTransition, job.Status)
	}

	remoteID, startErr := o.Launcher.Start(ctx, job)
	if startErr != nil {
		job.Error = startErr.Error()
		if !core.IsRetryable(startErr) {
			job.Status = core.BulkJobStatusFailed
		}
		if updated, updateErr := o.Jobs.Update(ctx, job); updateErr == nil {
			job = updated
		}
		return job, startErr
	}

	job.RemoteID = remoteID
	job.Status = core.BulkJobStatusRunning
	job.Error = ""
	if o.Logger != nil {
		o.Logger.Info("bulk: job started",
			"job_id", job.ID,
			"remote_id", remoteID,
			"destination", job.Destination.Key(),
		)
	}
	return o.Jobs.Update(ctx, job)
}

// Poll fetches remote status once and applies it. Progress is capped just
// under complete while the job still runs; only a terminal report may show
// full progress.
func (o *Orchestrator) Poll(ctx context.Context, jobID string) (core.BulkJob, error) {
	if o == nil || o.Jobs == nil || o.Launcher == nil {
		return core.BulkJob{}, fmt.Errorf("bulk: orchestrator is not configured")
	}
	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return core.BulkJob{}, err
	}
	if job.Status != core.BulkJobStatusRunning {
		return job, nil
	}

	report, pollErr := o.Launcher.Poll(ctx, job)
	if pollErr != nil {
		if core.IsRetryable(pollErr) {
			// Transient poll failure; the job keeps running and the next
			// poll tries again.
			return job, pollErr
		}
		job.Status = core.BulkJobStatusFailed
		job.Error = pollErr.Error()
		if updated, updateErr := o.Jobs.Update(ctx, job); updateErr == nil {
			job = updated
		}
		return job, pollErr
	}

	return o.applyReport(ctx, job, report)
}

// PollUntilDone polls on a fixed cadence until the job settles or the poll
// budget runs out. The loop is iterative and bounded; a budget overrun
// leaves the job RUNNING and returns ErrPollBudgetExceeded.
func (o *Orchestrator) PollUntilDone(ctx context.Context, jobID string) (core.BulkJob, error) {
	if o == nil {
		return core.BulkJob{}, fmt.Errorf("bulk: orchestrator is not configured")
	}
	budget := o.maxPollAttempts()
	var job core.BulkJob
	var err error
	for attempt := 0; attempt < budget; attempt++ {
		job, err = o.Poll(ctx, jobID)
		if err != nil && !core.IsRetryable(err) {
			return job, err
		}
		if err == nil && job.Status != core.BulkJobStatusRunning {
			return job, nil
		}
		if attempt == budget-1 {
			break
		}
		if sleepErr := o.sleep(ctx, o.pollInterval()); sleepErr != nil {
			return job, sleepErr
		}
	}
	return job, core.ErrPollBudgetExceeded
}

// Retry moves a FAILED or TIMED_OUT job back to CREATED for a fresh launch.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (core.BulkJob, error) {
	if o == nil || o.Jobs == nil {
		return core.BulkJob{}, fmt.Errorf("bulk: orchestrator is not configured")
	}
	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return core.BulkJob{}, err
	}
	if !core.CanTransitionBulkJob(job.Status, core.BulkJobStatusCreated) {
		return job, fmt.Errorf("%w: status %s", core.ErrJobNotRetryable, job.Status)
	}
	if job.RetryCount >= o.maxRetries() {
		return job, core.ErrRetriesExhausted
	}

	job.Status = core.BulkJobStatusCreated
	job.RetryCount++
	job.RemoteID = ""
	job.ResultURL = ""
	job.ObjectCount = 0
	job.ProgressPercent = 0
	job.Error = ""
	job.CompletedAt = nil
	if o.Logger != nil {
		o.Logger.Info("bulk: job retry booked", "job_id", job.ID, "retry_count", job.RetryCount)
	}
	return o.Jobs.Update(ctx, job)
}

// Cancel is best effort on the remote side: the local job is canceled even
// when the remote cancel call fails.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (core.BulkJob, error) {
	if o == nil || o.Jobs == nil {
		return core.BulkJob{}, fmt.Errorf("bulk: orchestrator is not configured")
	}
	job, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return core.BulkJob{}, err
	}
	if !core.CanTransitionBulkJob(job.Status, core.BulkJobStatusCanceled) {
		return job, fmt.Errorf("%w: status %s", core.ErrJobNotCancelable, job.Status)
	}

	if o.Launcher != nil && job.RemoteID != "" {
		if cancelErr := o.Launcher.Cancel(ctx, job); cancelErr != nil && o.Logger != nil {
			o.Logger.Warn("bulk: remote cancel failed, canceling locally",
				"job_id", job.ID,
				"error", cancelErr.Error(),
			)
		}
	}

	now := o.now()
	job.Status = core.BulkJobStatusCanceled
	job.CompletedAt = &now
	return o.Jobs.Update(ctx, job)
}

// Get returns the job by id.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (core.BulkJob, error) {
	if o == nil || o.Jobs == nil {
		return core.BulkJob{}, fmt.Errorf("bulk: orchestrator is not configured")
	}
	return o.Jobs.Get(ctx, jobID)
}

// List pages jobs by owner, status set, and cursor.
func (o *Orchestrator) List(ctx context.Context, filter core.BulkJobFilter) (core.BulkJobPage, error) {
	if o == nil || o.Jobs == nil {
		return core.BulkJobPage{}, fmt.Errorf("bulk: orchestrator is not configured")
	}
	return o.Jobs.List(ctx, filter)
}

// JobMetrics aggregates counts and completion timing, optionally scoped to
// one owner.
func (o *Orchestrator) JobMetrics(ctx context.Context, ownerKey string) (core.BulkJobMetrics, error) {
	if o == nil || o.Jobs == nil {
		return core.BulkJobMetrics{}, fmt.Errorf("bulk: orchestrator is not configured")
	}
	return o.Jobs.Metrics(ctx, ownerKey)
}

// SweepStalled times out RUNNING jobs that have not been touched within the
// stall window.
func (o *Orchestrator) SweepStalled(ctx context.Context) (int, error) {
	if o == nil || o.Jobs == nil {
		return 0, fmt.Errorf("bulk: orchestrator is not configured")
	}
	cutoff := o.now().Add(-o.stalledAfter())
	stalled, err := o.Jobs.ListStalled(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	timedOut := 0
	for _, job := range stalled {
		job.Status = core.BulkJobStatusTimedOut
		if job.Error == "" {
			job.Error = "bulk: job stalled past the stall window"
		}
		if _, updateErr := o.Jobs.Update(ctx, job); updateErr != nil {
			return timedOut, updateErr
		}
		timedOut++
		if o.Logger != nil {
			o.Logger.Warn("bulk: stalled job timed out", "job_id", job.ID)
		}
	}
	return timedOut, nil
}

// SweepExpired purges settled jobs older than the retention window.
func (o *Orchestrator) SweepExpired(ctx context.Context) (int, error) {
	if o == nil || o.Jobs == nil {
		return 0, fmt.Errorf("bulk: orchestrator is not configured")
	}
	cutoff := o.now().Add(-o.retention())
	return o.Jobs.DeleteTerminalOlderThan(ctx, cutoff)
}

func (o *Orchestrator) applyReport(ctx context.Context, job core.BulkJob, report StatusReport) (core.BulkJob, error) {
	job.ObjectCount = report.ObjectCount
	if report.ResultURL != "" {
		job.ResultURL = report.ResultURL
	}
	if report.Error != "" {
		job.Error = report.Error
	}

	switch report.Status {
	case core.BulkJobStatusRunning, "":
		job.ProgressPercent = clampProgress(report.ProgressPercent, 99)
	case core.BulkJobStatusCompleted:
		if !core.CanTransitionBulkJob(job.Status, report.Status) {
			return job, fmt.Errorf("%w: %s to %s", core.ErrInvalidTransition, job.Status, report.Status)
		}
		now := o.now()
		job.Status = core.BulkJobStatusCompleted
		job.ProgressPercent = 100
		job.CompletedAt = &now
	case core.BulkJobStatusFailed, core.BulkJobStatusCanceled, core.BulkJobStatusTimedOut:
		if !core.CanTransitionBulkJob(job.Status, report.Status) {
			return job, fmt.Errorf("%w: %s to %s", core.ErrInvalidTransition, job.Status, report.Status)
		}
		now := o.now()
		job.Status = report.Status
		job.ProgressPercent = clampProgress(report.ProgressPercent, 99)
		if report.Status == core.BulkJobStatusCanceled {
			job.CompletedAt = &now
		}
	default:
		return job, fmt.Errorf("bulk: remote reported unknown status %q", report.Status)
	}

	return o.Jobs.Update(ctx, job)
}

func clampProgress(value int, max int) int {
	if value < 0 {
		return 0
	}
	if value > max {
		return max
	}
	return value
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return defaultPollInterval
}

func (o *Orchestrator) maxPollAttempts() int {
	if o.MaxPollAttempts > 0 {
		return o.MaxPollAttempts
	}
	return defaultMaxPollAttempts
}

func (o *Orchestrator) maxRetries() int {
	if o.MaxRetries > 0 {
		return o.MaxRetries
	}
	return defaultMaxRetries
}

func (o *Orchestrator) stalledAfter() time.Duration {
	if o.StalledAfter > 0 {
		return o.StalledAfter
	}
	return defaultStalledAfter
}

func (o *Orchestrator) retention() time.Duration {
	if o.Retention > 0 {
		return o.Retention
	}
	return defaultRetention
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o != nil && o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (o *Orchestrator) now() time.Time {
	if o != nil && o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) newID() string {
	if o != nil && o.NewID != nil {
		return o.NewID()
	}
	return core.NewCorrelationID()
}
