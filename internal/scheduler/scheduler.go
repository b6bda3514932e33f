package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/sensor"
	"github.com/dabamos/openadms-node/internal/worker"
)

// ClassPath is this worker's static registry key, matching spec.md's
// example class-path convention (package.Type).
const ClassPath = "modules.schedule.Scheduler"

func init() {
	runtime.Register(ClassPath, build)
}

// Scheduler manages jobs.Run dispatch on a 100ms tick, per spec §4.H.
type Scheduler struct {
	name   string
	w      *worker.Worker
	logger *slog.Logger

	mu   sync.Mutex
	jobs []*Job
}

func build(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
	portName, _ := cfg["port"].(string)
	sensorName, _ := cfg["sensor"].(string)
	if portName == "" || sensorName == "" {
		return nil, fmt.Errorf("scheduler %q: config requires \"port\" and \"sensor\"", name)
	}

	sens, ok := deps.Catalog.Get(sensorName)
	if !ok {
		return nil, fmt.Errorf("scheduler %q: unknown sensor %q", name, sensorName)
	}

	jobs, err := buildJobs(name, portName, cfg, sens, deps)
	if err != nil {
		return nil, err
	}

	w := worker.New(name, classPath, deps.Logger)
	s := &Scheduler{name: name, w: w, logger: deps.Logger.With("scheduler", name), jobs: jobs}
	w.SetRunner(s.run)
	return w, nil
}

// buildJobs parses cfg's "schedules" entries into Jobs bound to sens's
// templates, consulting deps.Config.TimeSheet for a per-job weekday
// override before falling back to each schedule entry's inline
// "weekdays" config.
func buildJobs(schedulerName, portName string, cfg map[string]any, sens *sensor.Sensor, deps *runtime.Deps) ([]*Job, error) {
	schedules, _ := cfg["schedules"].([]any)
	var jobs []*Job
	for _, raw := range schedules {
		sc, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		obsNames, _ := sc["observations"].([]any)
		enabled, _ := sc["enabled"].(bool)
		startDate, _ := sc["startDate"].(string)
		endDate, _ := sc["endDate"].(string)
		weekdays, _ := sc["weekdays"].(map[string]any)

		for _, on := range obsNames {
			obsName, _ := on.(string)
			tmpl, ok := sens.Template(obsName)
			if !ok {
				deps.Logger.Error("scheduler: observation template not found", "scheduler", schedulerName, "observation", obsName)
				continue
			}
			jobWeekdays := weekdays
			if override := deps.Config.TimeSheet.Weekdays(obsName); override != nil {
				jobWeekdays = override
				deps.Logger.Debug("scheduler: using time sheet override", "scheduler", schedulerName, "job", obsName)
			}
			job, err := NewJob(obsName, portName, tmpl, enabled, startDate, endDate, jobWeekdays)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// run is the tick loop described in spec §4.H: wait out a startup grace,
// then every 100ms scan jobs, collecting expired ones for removal and
// running pending ones. It never returns until ctx is cancelled.
func (s *Scheduler) run(ctx context.Context) {
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.w.IsRunning() {
				continue
			}
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	jobs := s.jobs
	s.mu.Unlock()

	now := time.Now()
	var expired []*Job
	var due []*Job

	for _, j := range jobs {
		if j.Expired(now) {
			expired = append(expired, j)
			continue
		}
		if !j.Enabled {
			continue
		}
		if j.Pending(now) {
			due = append(due, j)
		}
	}

	if len(expired) > 0 {
		s.mu.Lock()
		s.jobs = removeAll(s.jobs, expired)
		s.mu.Unlock()
		for _, j := range expired {
			s.logger.Debug("job expired, removed from schedule", "job", j.Name)
		}
	}

	// Dispatch in the order jobs became pending; a job's own Run sleeps
	// sleepTime seconds, so this loop never races ahead of real time for
	// a single port (spec §4.H "Ordering guarantee").
	for _, j := range due {
		if j.Publish == nil {
			j.Publish = func(tail string, header, payload map[string]any, retain bool) {
				if err := s.w.Publish(tail, header, payload, retain); err != nil {
					s.logger.Warn("job dispatch failed", "job", j.Name, "error", err)
				}
			}
		}
		s.logger.Debug("dispatching job", "job", j.Name, "port", j.PortName)
		j.Run()
	}
}

func removeAll(jobs, remove []*Job) []*Job {
	if len(remove) == 0 {
		return jobs
	}
	drop := make(map[*Job]bool, len(remove))
	for _, j := range remove {
		drop[j] = true
	}
	out := jobs[:0:0]
	for _, j := range jobs {
		if !drop[j] {
			out = append(out, j)
		}
	}
	return out
}

// AddJob appends a job directly — used by tests that don't want to go
// through config parsing.
func (s *Scheduler) AddJob(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
}

// Jobs returns the current job list, for tests.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}
