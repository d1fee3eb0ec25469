// Package scheduler decides when the pipeline runs: once per day at a fixed
// time, or on a polling interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reelpipe/budget"
	"reelpipe/config"
	"reelpipe/store"
)

// Runner is the unit of work the scheduler triggers. Implemented by the
// pipeline coordinator.
type Runner interface {
	ProcessNext(ctx context.Context) (bool, error)
}

// Status is a point-in-time view for the API.
type Status struct {
	Mode      string    `json:"mode"` // "daily" or "interval"
	Running   bool      `json:"running"`
	Halted    bool      `json:"halted"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	NextRunAt time.Time `json:"next_run_at,omitzero"`
}

// Scheduler fires the runner on the configured cadence. Once the error
// budget trips it stops issuing new work until the process restarts; the run
// already in flight is never interrupted.
type Scheduler struct {
	cfg    *config.Config
	store  store.Store
	runner Runner

	cron   *cron.Cron
	ticker *time.Ticker
	done   chan struct{}

	mu        sync.Mutex
	running   bool
	halted    bool
	lastErr   string
	lastRunAt time.Time
}

// New builds a scheduler; Start arms it.
func New(cfg *config.Config, st store.Store, runner Runner) *Scheduler {
	return &Scheduler{cfg: cfg, store: st, runner: runner, done: make(chan struct{})}
}

// Start arms the cadence. In daily mode the job fires at POST_TIME (UTC);
// otherwise a plain interval ticker is used.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.PostDaily {
		spec, err := s.cfg.PostTimeCron()
		if err != nil {
			return err
		}
		s.cron = cron.New(cron.WithLocation(time.UTC))
		if _, err := s.cron.AddFunc(spec, func() { s.runOnce(ctx, false) }); err != nil {
			return fmt.Errorf("schedule %q: %w", spec, err)
		}
		s.cron.Start()
		log.Printf("Scheduler armed: daily at %s UTC", s.cfg.PostTime)
		return nil
	}

	s.ticker = time.NewTicker(s.cfg.PollInterval)
	go func() {
		for {
			select {
			case <-s.ticker.C:
				s.runOnce(ctx, false)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("Scheduler armed: every %s", s.cfg.PollInterval)
	return nil
}

// TriggerNow runs the pipeline immediately, bypassing the daily gate. Used
// by the API and the queue consumer.
func (s *Scheduler) TriggerNow(ctx context.Context) {
	s.runOnce(ctx, true)
}

// Stop disarms the cadence and waits for any in-flight run, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.done)
	}

	// The interval path runs jobs inline in its goroutine, but TriggerNow
	// runs on the caller's goroutine; poll until nothing is marked running.
	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Snapshot returns the scheduler's current state.
func (s *Scheduler) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Mode:      "interval",
		Running:   s.running,
		Halted:    s.halted,
		LastRunAt: s.lastRunAt,
		LastError: s.lastErr,
	}
	if s.cfg.PostDaily {
		st.Mode = "daily"
	}
	if s.cron != nil {
		if entries := s.cron.Entries(); len(entries) > 0 {
			st.NextRunAt = entries[0].Next
		}
	}
	return st
}

// runOnce executes a single pipeline pass. Overlapping triggers are
// collapsed: if a run is already active the new trigger is dropped.
func (s *Scheduler) runOnce(ctx context.Context, force bool) {
	s.mu.Lock()
	if s.running || s.halted {
		s.mu.Unlock()
		if s.halted {
			log.Println("Scheduler halted by the error budget; ignoring trigger")
		} else {
			log.Println("A run is already in progress; ignoring trigger")
		}
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	now := time.Now().UTC()

	if !force && s.cfg.PostDaily {
		last, err := s.store.LastRun(ctx)
		if err != nil {
			log.Printf("Reading last run time: %v", err)
		} else if sameDay(last, now) {
			log.Printf("Already ran today (%s); skipping", last.Format(time.RFC3339))
			return
		}
	}

	processed, err := s.runner.ProcessNext(ctx)

	s.mu.Lock()
	s.lastRunAt = now
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	if errors.Is(err, budget.ErrExceeded) {
		s.halted = true
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, budget.ErrExceeded):
		log.Println("Error budget exceeded; scheduler halted until restart")
	case err != nil:
		log.Printf("Pipeline run failed: %v", err)
	case processed:
		if serr := s.store.SetLastRun(ctx, now); serr != nil {
			log.Printf("Persisting last run time: %v", serr)
		}
	}
}

// sameDay reports whether both instants fall on the same UTC calendar day.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
