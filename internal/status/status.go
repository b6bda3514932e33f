// Package status implements the Status and Heartbeat workers (spec
// §4.I): a retained periodic status document describing the node and
// its modules/sensors, a lightweight heartbeat ping, and a liveness
// tracker that flags ports that have gone quiet.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dabamos/openadms-node/internal/buildinfo"
	"github.com/dabamos/openadms-node/internal/observation"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/worker"
)

// PublisherClassPath is the static registry key for the status publisher.
const PublisherClassPath = "modules.status.StatusPublisher"

// HeartbeatClassPath is the static registry key for the heartbeat worker.
const HeartbeatClassPath = "modules.status.Heartbeat"

// LivenessClassPath is the static registry key for the liveness tracker,
// which shares the "zombie port" detection in core/health.py's
// ObservationTracker.
const LivenessClassPath = "modules.status.LivenessTracker"

func init() {
	runtime.Register(PublisherClassPath, buildPublisher)
	runtime.Register(HeartbeatClassPath, buildHeartbeat)
	runtime.Register(LivenessClassPath, buildLivenessTracker)
}

// Publisher posts a retained status document every interval seconds
// (spec §4.I). It has no inbound handling beyond the default observation
// and service ones the worker table already provides.
type Publisher struct {
	name     string
	w        *worker.Worker
	deps     *runtime.Deps
	interval time.Duration
	topic    string
}

func buildPublisher(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
	interval := 60.0
	if v, ok := cfg["interval"].(float64); ok && v > 0 {
		interval = v
	}
	topic, _ := cfg["topic"].(string)
	if topic == "" {
		topic = name
	}

	w := worker.New(name, classPath, deps.Logger)
	p := &Publisher{name: name, w: w, deps: deps, interval: time.Duration(interval * float64(time.Second)), topic: topic}
	w.SetRunner(p.run)
	return w, nil
}

func (p *Publisher) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish()
		}
	}
}

func (p *Publisher) publish() {
	doc := map[string]any{
		"project": map[string]any{
			"id":   p.deps.Config.Project.ID,
			"name": p.deps.Config.Project.Name,
		},
		"node": map[string]any{
			"id":   p.deps.Config.Node.ID,
			"name": p.deps.Config.Node.Name,
		},
		"modules": p.deps.Manager.Roster(),
		"sensors": p.deps.Catalog.Names(),
		"uptime":  buildinfo.UptimeString(),
		"version": buildinfo.Version,
	}
	if err := p.w.Publish(p.topic, map[string]any{"type": "status"}, doc, true); err != nil {
		p.deps.Logger.Warn("status publish failed", "error", err)
	}
}

// Heartbeat posts {dt, pid} to a fixed list of receivers at a fixed
// interval (spec §4.I).
type Heartbeat struct {
	name      string
	w         *worker.Worker
	deps      *runtime.Deps
	interval  time.Duration
	receivers []string
}

func buildHeartbeat(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
	interval := 30.0
	if v, ok := cfg["interval"].(float64); ok && v > 0 {
		interval = v
	}
	var receivers []string
	if raw, ok := cfg["receivers"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				receivers = append(receivers, s)
			}
		}
	}

	w := worker.New(name, classPath, deps.Logger)
	h := &Heartbeat{name: name, w: w, deps: deps, interval: time.Duration(interval * float64(time.Second)), receivers: receivers}
	w.SetRunner(h.run)
	return w, nil
}

func (h *Heartbeat) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	payload := map[string]any{
		"dt":  time.Now().UTC().Format(time.RFC3339),
		"pid": os.Getpid(),
	}
	for _, r := range h.receivers {
		if err := h.w.Publish(r, map[string]any{"type": "heartbeat"}, payload, false); err != nil {
			h.deps.Logger.Warn("heartbeat publish failed", "to", r, "error", err)
		}
	}
}

// LivenessTracker watches the arrival time of observations from each
// port and logs an error once a port has gone quiet longer than
// maximumAge, matching core/health.py's ObservationTracker.action/._check.
type LivenessTracker struct {
	w          *worker.Worker
	logger     *slog.Logger
	maximumAge time.Duration

	mu    sync.Mutex
	ports map[string]time.Time
}

func buildLivenessTracker(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
	maxAge := 600.0
	if v, ok := cfg["maximumAge"].(float64); ok && v > 0 {
		maxAge = v
	}

	w := worker.New(name, classPath, deps.Logger)
	lt := &LivenessTracker{
		w:          w,
		logger:     deps.Logger.With("worker", name),
		maximumAge: time.Duration(maxAge * float64(time.Second)),
		ports:      map[string]time.Time{},
	}

	w.SetHandler("observation", lt.track)
	w.SetRunner(lt.run)
	return w, nil
}

// track records the observation's arrival time by port, then forwards
// it exactly as the default "observation" handler would — a
// LivenessTracker is a drop-in stage mid-chain, not a routing sink, so
// it must never swallow the observation it was handed.
func (lt *LivenessTracker) track(header map[string]any, payload map[string]any) {
	portName, _ := payload["portName"].(string)
	if portName != "" {
		lt.mu.Lock()
		lt.ports[portName] = time.Now()
		lt.mu.Unlock()
	}
	lt.w.PublishObservation(observation.FromMap(payload))
}

func (lt *LivenessTracker) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lt.sweep()
		}
	}
}

func (lt *LivenessTracker) sweep() {
	now := time.Now()
	var zombies []string

	lt.mu.Lock()
	for port, last := range lt.ports {
		if now.Sub(last) > lt.maximumAge {
			zombies = append(zombies, port)
		}
	}
	for _, z := range zombies {
		delete(lt.ports, z)
	}
	lt.mu.Unlock()

	for _, z := range zombies {
		lt.logger.Error("sensor port seems dead, no response recently", "port", z, "maxAge", formatAge(lt.maximumAge))
	}
}

func formatAge(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
	return fmt.Sprintf("%d minutes", int(d.Minutes()))
}
