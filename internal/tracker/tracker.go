// Package tracker owns the lifecycle of crawl jobs: an in-memory state
// machine with per-source rate limiting and a bounded completion history.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/preisradar/preisradar/pkg/logger"
)

// Status is a crawl job lifecycle state.
type Status string

// Job lifecycle states. Completed, Failed and Cancelled are terminal.
const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusCrawling     Status = "crawling"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the status is a sink state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind distinguishes how a crawl was triggered.
type Kind string

// Crawl kinds.
const (
	KindManual    Kind = "manual"
	KindScheduled Kind = "scheduled"
)

// Job is one attempt to harvest one source. It is process-local operational
// state, never persisted.
type Job struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Progress    float64    `json:"progress_percent"`
	CurrentStep string     `json:"current_step"`
	ItemsFound  int        `json:"items_found"`
	ItemsDone   int        `json:"items_processed"`
	ErrorCount  int        `json:"error_count"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	PostalCode  string     `json:"postal_code,omitempty"`
	TriggeredBy string     `json:"triggered_by"`
}

// ErrJobNotFound signals an unknown or already-expired job id.
var ErrJobNotFound = errors.New("crawl job not found")

// RateLimitedError is returned when a source was attempted again within its
// minimum crawl interval.
type RateLimitedError struct {
	Source      string
	NextAllowed time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, next crawl allowed at %s",
		e.Source, e.NextAllowed.Format(time.RFC3339))
}

// AlreadyRunningError is returned when a source already has an active crawl.
type AlreadyRunningError struct {
	Source string
	JobID  string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("source %s is already being crawled (job %s)", e.Source, e.JobID)
}

// Notifier receives job snapshots on every state change. Implementations must
// not block; the tracker calls them outside its lock.
type Notifier interface {
	JobUpdated(job Job)
}

// Config holds tracker configuration.
type Config struct {
	MinInterval  time.Duration
	HistoryLimit int
	Now          func() time.Time
	Notifier     Notifier
}

// Tracker is the in-memory crawl job registry. Safe for concurrent use; all
// mutating operations are short critical sections with no I/O under the lock.
type Tracker struct {
	mu          sync.Mutex
	active      map[string]*Job
	history     []Job // oldest first
	lastAttempt map[string]time.Time

	minInterval  time.Duration
	historyLimit int
	now          func() time.Time
	notifier     Notifier
	log          *logger.Logger
}

// New creates a Tracker.
func New(cfg Config, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Tracker{
		active:       make(map[string]*Job),
		lastAttempt:  make(map[string]time.Time),
		minInterval:  cfg.MinInterval,
		historyLimit: cfg.HistoryLimit,
		now:          cfg.Now,
		notifier:     cfg.Notifier,
		log:          log.WithComponent("tracker"),
	}
}

// StartCrawl registers a new pending job for a source. It fails with
// *RateLimitedError inside the minimum interval and with *AlreadyRunningError
// while the source has a job in crawling or processing state. The rate-limit
// window is advanced immediately so failed crawls cannot retry in a burst.
func (t *Tracker) StartCrawl(source string, kind Kind, postalCode, triggeredBy string) (string, error) {
	t.mu.Lock()
	now := t.now()

	if last, ok := t.lastAttempt[source]; ok {
		if now.Sub(last) < t.minInterval {
			t.mu.Unlock()
			return "", &RateLimitedError{Source: source, NextAllowed: last.Add(t.minInterval)}
		}
	}

	for _, job := range t.active {
		if job.Source == source && (job.Status == StatusCrawling || job.Status == StatusProcessing) {
			id := job.ID
			t.mu.Unlock()
			return "", &AlreadyRunningError{Source: source, JobID: id}
		}
	}

	job := &Job{
		ID:          uuid.NewString(),
		Source:      source,
		Kind:        kind,
		Status:      StatusPending,
		StartedAt:   now,
		CurrentStep: "Pending",
		PostalCode:  postalCode,
		TriggeredBy: triggeredBy,
	}
	t.active[job.ID] = job
	t.lastAttempt[source] = now
	snapshot := *job
	t.mu.Unlock()

	t.log.Info("crawl started", "job_id", snapshot.ID, "source", source, "kind", kind)
	t.notify(snapshot)
	return snapshot.ID, nil
}

// ProgressOpt mutates a job inside UpdateProgress.
type ProgressOpt func(*Job)

// WithStatus sets the job status.
func WithStatus(s Status) ProgressOpt {
	return func(j *Job) { j.Status = s }
}

// WithStep sets the human-readable current step.
func WithStep(step string) ProgressOpt {
	return func(j *Job) { j.CurrentStep = step }
}

// WithPercent sets the progress percentage, clamped to [0,100].
func WithPercent(p float64) ProgressOpt {
	return func(j *Job) { j.Progress = min(100, max(0, p)) }
}

// WithFound sets the items-found counter.
func WithFound(n int) ProgressOpt {
	return func(j *Job) { j.ItemsFound = n }
}

// WithProcessed sets the items-processed counter.
func WithProcessed(n int) ProgressOpt {
	return func(j *Job) { j.ItemsDone = n }
}

// WithErrors sets the error counter.
func WithErrors(n int) ProgressOpt {
	return func(j *Job) { j.ErrorCount = n }
}

// UpdateProgress applies a partial update to an active job. Unknown job ids
// are reported but not fatal: the job may have completed or expired already.
func (t *Tracker) UpdateProgress(jobID string, opts ...ProgressOpt) bool {
	t.mu.Lock()
	job, ok := t.active[jobID]
	if !ok {
		t.mu.Unlock()
		t.log.Warn("progress update for unknown job", "job_id", jobID)
		return false
	}
	for _, opt := range opts {
		opt(job)
	}
	snapshot := *job
	t.mu.Unlock()

	t.notify(snapshot)
	return true
}

// terminalStep is the step text a job carries once it reaches the given
// terminal status.
func terminalStep(status Status) string {
	switch status {
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Completed"
	}
}

// Complete moves an active job into the bounded history with the given
// terminal status. Completing an already-terminal job is a no-op returning
// ErrJobNotFound. Pass finalCount < 0 to leave the processed counter as is.
func (t *Tracker) Complete(jobID string, status Status, finalCount int, errorDetail string) error {
	t.mu.Lock()
	job, ok := t.active[jobID]
	if !ok {
		t.mu.Unlock()
		t.log.Warn("completion for unknown job", "job_id", jobID)
		return ErrJobNotFound
	}

	now := t.now()
	job.Status = status
	job.CompletedAt = &now
	job.Progress = 100
	job.CurrentStep = terminalStep(status)
	if finalCount >= 0 {
		job.ItemsDone = finalCount
	}
	if errorDetail != "" {
		job.ErrorDetail = errorDetail
	}

	t.history = append(t.history, *job)
	if len(t.history) > t.historyLimit {
		t.history = t.history[len(t.history)-t.historyLimit:]
	}
	delete(t.active, jobID)
	snapshot := *job
	t.mu.Unlock()

	t.log.Info("crawl finished",
		"job_id", snapshot.ID,
		"source", snapshot.Source,
		"status", status,
		"items_processed", snapshot.ItemsDone,
		"errors", snapshot.ErrorCount,
		"duration", now.Sub(snapshot.StartedAt).String(),
	)
	t.notify(snapshot)
	return nil
}

// Cancel marks an active job cancelled. In-flight harvest work is expected to
// poll IsCancelled at phase boundaries and exit early.
func (t *Tracker) Cancel(jobID, reason string) error {
	return t.Complete(jobID, StatusCancelled, -1, reason)
}

// IsCancelled reports whether a job has been moved to history as cancelled.
func (t *Tracker) IsCancelled(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[jobID]; ok {
		return false
	}
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].ID == jobID {
			return t.history[i].Status == StatusCancelled
		}
	}
	return false
}

// JobStatus returns a job by id, checking active jobs then history.
// Await blocks until the job reaches a terminal status, polling at the given
// interval, and returns the terminal snapshot. Context cancellation returns
// the last observed snapshot alongside the context error.
func (t *Tracker) Await(ctx context.Context, jobID string, poll time.Duration) (Job, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		job, err := t.JobStatus(jobID)
		if err != nil {
			return Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tracker) JobStatus(jobID string) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if job, ok := t.active[jobID]; ok {
		return *job, nil
	}
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].ID == jobID {
			return t.history[i], nil
		}
	}
	return Job{}, ErrJobNotFound
}

// ActiveJobs returns a snapshot of all active jobs.
func (t *Tracker) ActiveJobs() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	jobs := make([]Job, 0, len(t.active))
	for _, job := range t.active {
		jobs = append(jobs, *job)
	}
	return jobs
}

// History returns up to limit completed jobs, newest first.
func (t *Tracker) History(limit int) []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	jobs := make([]Job, 0, limit)
	for i := len(t.history) - 1; i >= len(t.history)-limit; i-- {
		jobs = append(jobs, t.history[i])
	}
	return jobs
}

// SourceStatus is the per-source view: active job, recent history and
// rate-limit eligibility.
type SourceStatus struct {
	Source      string     `json:"source"`
	Active      *Job       `json:"active_job,omitempty"`
	Recent      []Job      `json:"recent_jobs"`
	CanCrawlNow bool       `json:"can_crawl_now"`
	NextAllowed *time.Time `json:"next_allowed_crawl,omitempty"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}

// SourceStatus reports the crawl state of one source, including the last
// recentLimit history entries for it.
func (t *Tracker) SourceStatus(source string, recentLimit int) SourceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	if recentLimit <= 0 {
		recentLimit = 5
	}
	st := SourceStatus{Source: source, CanCrawlNow: true}

	for _, job := range t.active {
		if job.Source == source {
			snapshot := *job
			st.Active = &snapshot
			break
		}
	}

	for i := len(t.history) - 1; i >= 0 && len(st.Recent) < recentLimit; i-- {
		if t.history[i].Source == source {
			st.Recent = append(st.Recent, t.history[i])
		}
	}

	if last, ok := t.lastAttempt[source]; ok {
		lastCopy := last
		st.LastAttempt = &lastCopy
		if t.now().Sub(last) < t.minInterval {
			next := last.Add(t.minInterval)
			st.NextAllowed = &next
			st.CanCrawlNow = false
		}
	}
	return st
}

// Overview is the system-wide crawl summary.
type Overview struct {
	ActiveJobs         int      `json:"active_jobs"`
	ActiveSources      []string `json:"active_sources"`
	CompletedToday     int      `json:"completed_today"`
	TotalCompleted     int      `json:"total_completed"`
	SuccessRatePercent float64  `json:"success_rate_percent"`
	RateLimitedSources []string `json:"rate_limited_sources"`
}

// successRateWindow is how many recent completions feed the rolling rate.
const successRateWindow = 20

// SystemOverview returns counts and the rolling success rate over the most
// recent completed jobs.
func (t *Tracker) SystemOverview() Overview {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ov := Overview{
		ActiveJobs:     len(t.active),
		TotalCompleted: len(t.history),
	}
	for _, job := range t.active {
		ov.ActiveSources = append(ov.ActiveSources, job.Source)
	}

	recent := t.history
	if len(recent) > successRateWindow {
		recent = recent[len(recent)-successRateWindow:]
	}
	if len(recent) > 0 {
		ok := 0
		for _, job := range recent {
			if job.Status == StatusCompleted {
				ok++
			}
		}
		ov.SuccessRatePercent = float64(ok) / float64(len(recent)) * 100
	}

	y, m, d := now.Date()
	for _, job := range t.history {
		jy, jm, jd := job.StartedAt.Date()
		if jy == y && jm == m && jd == d {
			ov.CompletedToday++
		}
	}

	for source, last := range t.lastAttempt {
		if now.Sub(last) < t.minInterval {
			ov.RateLimitedSources = append(ov.RateLimitedSources, source)
		}
	}
	return ov
}

// PurgeOlderThan drops history and rate-limit entries older than age. Called
// periodically by an external collaborator.
func (t *Tracker) PurgeOlderThan(age time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-age)

	kept := t.history[:0]
	for _, job := range t.history {
		if job.StartedAt.After(cutoff) {
			kept = append(kept, job)
		}
	}
	t.history = kept

	for source, last := range t.lastAttempt {
		if !last.After(cutoff) {
			delete(t.lastAttempt, source)
		}
	}
}

func (t *Tracker) notify(job Job) {
	if t.notifier != nil {
		t.notifier.JobUpdated(job)
	}
}
