// Package scheduler runs registered periodic jobs with last/next-run
// introspection and out-of-band triggering.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

var ErrJobNotFound = errors.New("job not found")

// Handler is a job callback.
type Handler func(ctx context.Context) error

// Run is the outcome of one job execution.
type Run struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Job is one registered periodic job.
type Job struct {
	id       string
	name     string
	spec     string
	schedule cron.Schedule
	handler  Handler

	// runMu serializes executions of this job; an overlapping tick skips.
	runMu sync.Mutex

	mu      sync.Mutex
	enabled bool
	nextRun time.Time
	lastRun *Run
}

// Status is the introspection view of a job.
type Status struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Enabled  bool      `json:"enabled"`
	NextRun  time.Time `json:"next_run"`
	Latest   *Run      `json:"latest_run,omitempty"`
}

// Scheduler dispatches due jobs from a next-run ordering. Missed ticks are
// not backfilled: after downtime the next run is computed from now.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*Job

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{
		jobs: make(map[string]*Job),
		wake: make(chan struct{}, 1),
	}
}

// Register adds a job. Registering an existing id replaces its schedule and
// handler.
func (s *Scheduler) Register(id, name, spec string, handler Handler) error {
	schedule, err := ParseSpec(spec)
	if err != nil {
		return err
	}

	job := &Job{
		id:       id,
		name:     name,
		spec:     spec,
		schedule: schedule,
		handler:  handler,
		enabled:  true,
		nextRun:  schedule.Next(time.Now()),
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	s.poke()
	log.Debug().Str("job", id).Str("spec", spec).Time("next_run", job.nextRun).Msg("Job registered")
	return nil
}

// Start begins the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	log.Info().Int("jobs", s.count()).Msg("Scheduler started")
}

// Stop cancels the loop; running jobs finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next, ok := s.soonest()

		var timer *time.Timer
		if ok {
			delay := time.Until(next)
			if delay < 0 {
				delay = 0
			}
			timer = time.NewTimer(delay)
		} else {
			// Nothing scheduled; sleep until registration pokes us.
			timer = time.NewTimer(time.Hour)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) soonest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for _, job := range s.jobs {
		job.mu.Lock()
		enabled, runAt := job.enabled, job.nextRun
		job.mu.Unlock()
		if !enabled {
			continue
		}
		if !found || runAt.Before(next) {
			next = runAt
			found = true
		}
	}
	return next, found
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	due := make([]*Job, 0, 2)
	for _, job := range s.jobs {
		job.mu.Lock()
		if job.enabled && !job.nextRun.After(now) {
			job.nextRun = job.schedule.Next(now)
			due = append(due, job)
		}
		job.mu.Unlock()
	}
	s.mu.Unlock()

	for _, job := range due {
		go job.run(ctx)
	}
}

func (j *Job) run(ctx context.Context) {
	if !j.runMu.TryLock() {
		log.Debug().Str("job", j.id).Msg("Skipping run, job still executing")
		return
	}
	defer j.runMu.Unlock()

	start := time.Now()
	err := j.handler(ctx)

	run := &Run{Timestamp: start}
	if err != nil {
		run.Error = err.Error()
		log.Error().Err(err).Str("job", j.id).Dur("took", time.Since(start)).Msg("Job failed")
	} else {
		log.Debug().Str("job", j.id).Dur("took", time.Since(start)).Msg("Job completed")
	}

	j.mu.Lock()
	j.lastRun = run
	j.mu.Unlock()
}

// RunJob triggers an immediate out-of-band run.
func (s *Scheduler) RunJob(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	go job.run(ctx)
	return nil
}

// SetEnabled toggles a job without unregistering it.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	job.mu.Lock()
	job.enabled = enabled
	if enabled {
		job.nextRun = job.schedule.Next(time.Now())
	}
	job.mu.Unlock()

	s.poke()
	return nil
}

// List returns the status of every job, sorted by id.
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	statuses := make([]Status, 0, len(jobs))
	for _, job := range jobs {
		job.mu.Lock()
		statuses = append(statuses, Status{
			ID:       job.id,
			Name:     job.name,
			Schedule: job.spec,
			Enabled:  job.enabled,
			NextRun:  job.nextRun,
			Latest:   job.lastRun,
		})
		job.mu.Unlock()
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

func (s *Scheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
