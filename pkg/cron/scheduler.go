package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/otaku/internal/tracing"
)

// ErrUnknownJob is returned when a job name was never registered.
var ErrUnknownJob = errors.New("unknown job")

// parser accepts 5-field expressions and descriptors such as "@every 50m".
var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

// ParseSpec validates a schedule expression.
func ParseSpec(spec string) (robfig.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("schedule expression is required")
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// NextRun returns the first activation of spec after from.
func NextRun(spec string, from time.Time) (time.Time, error) {
	sched, err := ParseSpec(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

type job struct {
	fn      JobFunc
	entry   robfig.EntryID
	running sync.Mutex
	state   JobState
}

// Scheduler runs named background jobs on cron schedules. A job never
// overlaps itself; a tick that finds the previous run still going is
// recorded as skipped.
type Scheduler struct {
	cron   *robfig.Cron
	logger zerolog.Logger

	mu   sync.RWMutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   robfig.New(robfig.WithParser(parser)),
		logger: logger.With().Str("component", "cron").Logger(),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under name on the given schedule.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %s: function is required", name)
	}
	sched, err := ParseSpec(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{fn: fn, state: JobState{Name: name, Spec: spec}}
	j.entry = s.cron.Schedule(sched, robfig.FuncJob(func() {
		s.run(s.ctx, j)
	}))
	s.jobs[name] = j

	s.logger.Info().Str("job", name).Str("spec", spec).Msg("Job scheduled")
	return nil
}

// RunNow executes the named job immediately and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	name := j.state.Name
	if !j.running.TryLock() {
		s.record(j, time.Now(), 0, StatusSkipped, nil)
		s.logger.Warn().Str("job", name).Msg("Job still running, skipping tick")
		return nil
	}
	defer j.running.Unlock()

	ctx, span := tracing.StartSpan(ctx, "otaku.cron", "job.run")
	defer span.End()
	log := tracing.LoggerFromContext(ctx, s.logger).With().Str("job", name).Logger()

	started := time.Now()
	err := j.fn(ctx)
	elapsed := time.Since(started)

	if err != nil {
		tracing.Fail(span, err)
		s.record(j, started, elapsed, StatusError, err)
		log.Error().Err(err).Dur("duration", elapsed).Msg("Job failed")
		return err
	}
	s.record(j, started, elapsed, StatusOK, nil)
	log.Debug().Dur("duration", elapsed).Msg("Job finished")
	return nil
}

func (s *Scheduler) record(j *job, at time.Time, elapsed time.Duration, status string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &j.state
	st.LastStatus = status
	if status == StatusSkipped {
		return
	}
	st.LastRunAt = at
	st.LastDuration = elapsed
	st.Runs++
	if err != nil {
		st.LastError = err.Error()
		st.ConsecutiveErrors++
		return
	}
	st.LastError = ""
	st.ConsecutiveErrors = 0
}

// Jobs returns a snapshot of every job's state sorted by name.
func (s *Scheduler) Jobs() []JobState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.state
		if e := s.cron.Entry(j.entry); e.Valid() {
			st.NextRunAt = e.Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.Jobs())).Msg("Scheduler started")
}

// Stop halts scheduling, cancels running jobs and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
