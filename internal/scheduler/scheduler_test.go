package scheduler

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dabamos/openadms-node/internal/observation"
	"github.com/dabamos/openadms-node/internal/worker"
)

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := worker.New("sched1", ClassPath, logger)
	return &Scheduler{name: "sched1", w: w, logger: logger}
}

func TestTickRemovesExpiredJobs(t *testing.T) {
	s := newScheduler(t)
	expired := &Job{Name: "old", EndDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local)}
	s.AddJob(expired)

	s.tick()

	if len(s.Jobs()) != 0 {
		t.Fatalf("expected expired job to be removed, got %d jobs", len(s.Jobs()))
	}
}

func TestTickDispatchesPendingJobsInOrder(t *testing.T) {
	s := newScheduler(t)

	var dispatched []string
	makeJob := func(name string) *Job {
		tmpl := observation.New()
		tmpl.Set("name", name)
		tmpl.SetReceivers([]string{"exporter"})
		tmpl.Set("sleepTime", 0.0)
		return &Job{
			Name:      name,
			PortName:  "port1",
			Template:  tmpl,
			Enabled:   true,
			StartDate: time.Now().Add(-time.Hour),
			EndDate:   time.Now().Add(time.Hour),
			Publish: func(tail string, header, payload map[string]any, retain bool) {
				dispatched = append(dispatched, name)
			},
		}
	}

	s.AddJob(makeJob("a"))
	s.AddJob(makeJob("b"))

	s.tick()

	if len(dispatched) != 2 || dispatched[0] != "a" || dispatched[1] != "b" {
		t.Fatalf("dispatched = %v, want [a b]", dispatched)
	}
}

func TestTickSkipsNonEnabledJobs(t *testing.T) {
	s := newScheduler(t)
	tmpl := observation.New()
	tmpl.Set("sleepTime", 0.0)
	called := false
	j := &Job{
		Name:      "disabled",
		Template:  tmpl,
		Enabled:   false,
		StartDate: time.Now().Add(-time.Hour),
		EndDate:   time.Now().Add(time.Hour),
		Publish:   func(tail string, header, payload map[string]any, retain bool) { called = true },
	}
	s.AddJob(j)
	s.tick()

	if called {
		t.Fatal("a non-enabled job must not dispatch")
	}
}
