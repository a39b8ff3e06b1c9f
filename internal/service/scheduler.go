package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Archiver/internal/log"
	"github.com/CZERTAINLY/Archiver/internal/model"
)

// Converter turns a request into a validated artifact.
type Converter interface {
	Convert(ctx context.Context, req model.ConversionRequest) (model.Artifact, error)
}

// RecordStore persists an artifact into a field of a record.
type RecordStore interface {
	CommitArtifact(ctx context.Context, ref model.RecordRef, field string, artifact model.Artifact) error
}

// Publisher delivers completion events.
type Publisher interface {
	Publish(ctx context.Context, event model.CompletionEvent) error
}

// ArchiveRequest is a conversion whose result is stored into Field of a record.
type ArchiveRequest struct {
	Request model.ConversionRequest `json:"request"`
	Field   string                  `json:"field,omitempty"`
}

// JobStatus is a point in time snapshot of a job.
type JobStatus struct {
	ID          string         `json:"id"`
	Key         model.JobKey   `json:"key"`
	Field       string         `json:"field"`
	State       model.JobState `json:"state"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	Error       string         `json:"error,omitempty"`
	Created     time.Time      `json:"created"`
	Finished    time.Time      `json:"finished,omitzero"`
}

type job struct {
	id          string
	key         model.JobKey
	req         ArchiveRequest
	state       model.JobState
	attempts    int
	maxAttempts int
	err         error
	created     time.Time
	finished    time.Time
}

func (j *job) status() JobStatus {
	st := JobStatus{
		ID:          j.id,
		Key:         j.key,
		Field:       j.req.Field,
		State:       j.state,
		Attempts:    j.attempts,
		MaxAttempts: j.maxAttempts,
		Created:     j.created,
		Finished:    j.finished,
	}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	return st
}

// Scheduler runs archive jobs on a pool of workers. A job converts a
// webpage, retrying failed attempts, commits the artifact to the record
// store and publishes one completion event.
//
// Jobs are deduplicated by key: while a job for a key is pending or
// running, scheduling the same key returns the existing job. The claim is
// taken atomically, so the guarantee holds within one process.
type Scheduler struct {
	converter   Converter
	store       RecordStore
	publisher   Publisher
	workers     int
	maxAttempts int
	queue       chan *job

	mx     sync.Mutex
	closed bool
	claims map[model.JobKey]string
	jobs   map[string]*job
}

func NewScheduler(converter Converter, store RecordStore, publisher Publisher) *Scheduler {
	return &Scheduler{
		converter:   converter,
		store:       store,
		publisher:   publisher,
		workers:     ResolvePoolSize(0),
		maxAttempts: model.DefaultMaxAttempts,
		queue:       make(chan *job, model.DefaultQueueSize),
		claims:      make(map[model.JobKey]string),
		jobs:        make(map[string]*job),
	}
}

// SchedulerFromConfig applies the scheduler section of the configuration.
func SchedulerFromConfig(cfg model.Config, converter Converter, store RecordStore, publisher Publisher) *Scheduler {
	return NewScheduler(converter, store, publisher).
		WithWorkers(cfg.Workers()).
		WithMaxAttempts(cfg.MaxAttempts()).
		WithQueueSize(cfg.QueueSize())
}

// WithWorkers sets the number of workers, zero picks one from GOMAXPROCS.
// Must be called before Do.
func (s *Scheduler) WithWorkers(n int) *Scheduler {
	s.workers = ResolvePoolSize(n)
	return s
}

func (s *Scheduler) WithMaxAttempts(n int) *Scheduler {
	s.maxAttempts = max(n, 1)
	return s
}

// WithQueueSize limits the number of jobs waiting for a worker. Must be
// called before the first Schedule.
func (s *Scheduler) WithQueueSize(n int) *Scheduler {
	s.queue = make(chan *job, max(n, 1))
	return s
}

// ResolvePoolSize returns n when positive, otherwise half of GOMAXPROCS
// clamped to [1, 8].
func ResolvePoolSize(n int) int {
	if n > 0 {
		return n
	}
	return min(max(runtime.GOMAXPROCS(0)/2, 1), 8)
}

// Schedule enqueues an archive job for key. When an active job already
// holds the key, its status is returned and created is false.
func (s *Scheduler) Schedule(ctx context.Context, key model.JobKey, req ArchiveRequest) (status JobStatus, created bool, err error) {
	if req.Field == "" {
		req.Field = model.DefaultField
	}
	switch {
	case req.Request.URL == "":
		req.Request.URL = key.URL
	case key.URL == "":
		key.URL = req.Request.URL
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return JobStatus{}, false, model.ErrSchedulerClosed
	}
	if id, ok := s.claims[key]; ok {
		j := s.jobs[id]
		slog.DebugContext(ctx, "job already scheduled: ignoring", "key", key.String(), "job_id", id)
		return j.status(), false, nil
	}

	j := &job{
		id:          uuid.NewString(),
		key:         key,
		req:         req,
		state:       model.JobPending,
		maxAttempts: s.maxAttempts,
		created:     time.Now().UTC(),
	}
	select {
	case s.queue <- j:
	default:
		return JobStatus{}, false, model.ErrQueueFull
	}
	s.claims[key] = j.id
	s.jobs[j.id] = j
	slog.InfoContext(ctx, "job scheduled", "key", key.String(), "job_id", j.id)
	return j.status(), true, nil
}

// Do runs the workers until ctx is cancelled. Jobs still waiting in the
// queue on return are failed with the cancellation cause.
func (s *Scheduler) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a scheduler", "workers", s.workers, "max_attempts", s.maxAttempts)
	g, gctx := errgroup.WithContext(ctx)
	for i := range s.workers {
		g.Go(func() error {
			s.work(log.ContextAttrs(gctx, slog.Int("worker", i)))
			return nil
		})
	}
	err := g.Wait()
	s.drain(context.Cause(ctx))
	return err
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.run(ctx, j)
		}
	}
}

func (s *Scheduler) drain(cause error) {
	if cause == nil {
		cause = errors.New("scheduler stopped")
	}
	for {
		select {
		case j := <-s.queue:
			s.finish(j, model.JobFailed, cause)
		default:
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	ctx = log.ContextAttrs(ctx,
		slog.String("job_id", j.id),
		slog.String("key", j.key.String()),
	)
	s.mx.Lock()
	j.state = model.JobRunning
	s.mx.Unlock()

	artifact, err := s.convert(ctx, j)
	if err != nil {
		slog.ErrorContext(ctx, "job failed", "error", err)
		s.finish(j, model.JobFailed, err)
		return
	}

	err = s.store.CommitArtifact(ctx, j.key.Ref(), j.req.Field, artifact)
	if rmErr := artifact.Remove(); rmErr != nil {
		slog.WarnContext(ctx, "removing temporary artifact failed", "path", artifact.Path, "error", rmErr)
	}
	if err != nil {
		err = fmt.Errorf("committing artifact: %w", err)
		slog.ErrorContext(ctx, "job failed", "error", err)
		s.finish(j, model.JobFailed, err)
		return
	}

	if s.holds(j) {
		s.publish(ctx, j)
	} else {
		slog.WarnContext(ctx, "job no longer holds its key: completion event suppressed")
	}
	s.finish(j, model.JobSucceeded, nil)
	slog.InfoContext(ctx, "job succeeded", "field", j.req.Field, "pages", artifact.Pages)
}

// convert makes up to maxAttempts attempts without any backoff.
func (s *Scheduler) convert(ctx context.Context, j *job) (model.Artifact, error) {
	var err error
	for attempt := 1; attempt <= j.maxAttempts; attempt++ {
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return model.Artifact{}, fmt.Errorf("attempt %d: %w", attempt, ctxErr)
		}
		s.mx.Lock()
		j.attempts = attempt
		s.mx.Unlock()

		var artifact model.Artifact
		artifact, err = s.converter.Convert(ctx, j.req.Request)
		if err == nil {
			return artifact, nil
		}
		slog.ErrorContext(ctx, "conversion attempt failed",
			"attempt", attempt,
			"max_attempts", j.maxAttempts,
			"error", err,
		)
	}
	return model.Artifact{}, fmt.Errorf("all %d attempts failed: %w", j.maxAttempts, err)
}

func (s *Scheduler) publish(ctx context.Context, j *job) {
	if s.publisher == nil {
		return
	}
	event := model.CompletionEvent{
		ID:         uuid.NewString(),
		Type:       model.EventArchived,
		Repository: j.key.Repository,
		RecordRef:  j.key.RecordRef,
		Field:      j.req.Field,
		URL:        j.req.Request.URL,
		JobID:      j.id,
		Time:       time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		slog.ErrorContext(ctx, "publishing completion event failed", "event_id", event.ID, "error", err)
	}
}

func (s *Scheduler) holds(j *job) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.claims[j.key] == j.id
}

// finish moves a job to a terminal state and releases its key.
func (s *Scheduler) finish(j *job, state model.JobState, err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	j.state = state
	j.err = err
	j.finished = time.Now().UTC()
	if s.claims[j.key] == j.id {
		delete(s.claims, j.key)
	}
}

// Status returns a snapshot of job id.
func (s *Scheduler) Status(id string) (JobStatus, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	return j.status(), true
}

// Jobs returns snapshots of all known jobs, oldest first.
func (s *Scheduler) Jobs() []JobStatus {
	s.mx.Lock()
	ret := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		ret = append(ret, j.status())
	}
	s.mx.Unlock()
	slices.SortFunc(ret, func(a, b JobStatus) int {
		return cmp.Or(a.Created.Compare(b.Created), cmp.Compare(a.ID, b.ID))
	})
	return ret
}

// Purge forgets finished jobs older than olderThan and returns their count.
func (s *Scheduler) Purge(olderThan time.Duration) int {
	limit := time.Now().UTC().Add(-olderThan)
	s.mx.Lock()
	defer s.mx.Unlock()
	var n int
	for id, j := range s.jobs {
		if j.state.Active() || j.finished.After(limit) {
			continue
		}
		delete(s.jobs, id)
		n++
	}
	return n
}

// Close rejects all further Schedule calls. Running jobs are not affected,
// cancel the context passed to Do to stop the workers.
func (s *Scheduler) Close() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.closed = true
}
