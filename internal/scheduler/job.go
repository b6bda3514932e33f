// Package scheduler implements the per-port Scheduler worker described
// in spec §4.H: a list of Jobs, each bound to an Observation template,
// dispatched on a 100ms tick when the job's date range and weekday time
// sheet say it is pending.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/dabamos/openadms-node/internal/observation"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// Period is one start/end window within a single weekday, e.g.
// {"08:00:00", "18:00:00"}.
type Period struct {
	Start time.Duration // offset from midnight
	End   time.Duration
}

// Job binds one Observation template to a port and a schedule, matching
// modules/schedule.py's Job class.
type Job struct {
	Name      string
	PortName  string
	Template  *observation.Observation
	Enabled   bool
	StartDate time.Time
	EndDate   time.Time
	Weekdays  map[string][]Period // lower-cased weekday name -> periods; nil/empty means every day

	Publish func(tail string, header, payload map[string]any, retain bool)
}

// NewJob parses a schedule entry (spec §4.H config shape) into a Job
// bound to template. The caller resolves obsName against the sensor
// catalog and passes the already-looked-up template.
func NewJob(name, portName string, template *observation.Observation, enabled bool, startDate, endDate string, weekdaysCfg map[string]any) (*Job, error) {
	start, err := time.ParseInLocation(dateLayout, startDate, time.Local)
	if err != nil {
		return nil, fmt.Errorf("scheduler: job %q: startDate: %w", name, err)
	}
	end, err := time.ParseInLocation(dateLayout, endDate, time.Local)
	if err != nil {
		return nil, fmt.Errorf("scheduler: job %q: endDate: %w", name, err)
	}

	weekdays, err := parseWeekdays(weekdaysCfg)
	if err != nil {
		return nil, fmt.Errorf("scheduler: job %q: %w", name, err)
	}

	return &Job{
		Name:      name,
		PortName:  portName,
		Template:  template,
		Enabled:   enabled,
		StartDate: start,
		EndDate:   end,
		Weekdays:  weekdays,
	}, nil
}

func parseWeekdays(cfg map[string]any) (map[string][]Period, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	out := make(map[string][]Period, len(cfg))
	for day, raw := range cfg {
		day = strings.ToLower(day)
		periodsRaw, _ := raw.([]any)
		periods := make([]Period, 0, len(periodsRaw))
		for _, pr := range periodsRaw {
			pm, ok := pr.(map[string]any)
			if !ok {
				continue
			}
			startStr, _ := pm["startTime"].(string)
			endStr, _ := pm["endTime"].(string)
			startT, err := time.ParseInLocation(timeLayout, startStr, time.Local)
			if err != nil {
				return nil, fmt.Errorf("weekday %q: startTime: %w", day, err)
			}
			endT, err := time.ParseInLocation(timeLayout, endStr, time.Local)
			if err != nil {
				return nil, fmt.Errorf("weekday %q: endTime: %w", day, err)
			}
			periods = append(periods, Period{Start: sinceMidnight(startT), End: sinceMidnight(endT)})
		}
		out[day] = periods
	}
	return out, nil
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}

// Expired reports whether now is past the job's end date (spec §4.H
// "Expiry"). An expired job is removed from the schedule by the caller.
func (j *Job) Expired(now time.Time) bool {
	return now.After(j.EndDate)
}

// Pending implements the predicate in spec §4.H exactly:
//  1. Job must be enabled.
//  2. now must lie in [startDate, endDate).
//  3. Empty weekday sheet -> always pending within the date range.
//  4. Else the lower-cased weekday name must be present.
//  5. Present with an empty period list -> pending all day.
//  6. Else any period with startTime <= now.time < endTime satisfies pending.
func (j *Job) Pending(now time.Time) bool {
	if !j.Enabled {
		return false
	}
	if now.Before(j.StartDate) || !now.Before(j.EndDate) {
		return false
	}
	if len(j.Weekdays) == 0 {
		return true
	}

	day := strings.ToLower(now.Weekday().String())
	periods, ok := j.Weekdays[day]
	if !ok {
		return false
	}
	if len(periods) == 0 {
		return true
	}

	nowOffset := sinceMidnight(now)
	for _, p := range periods {
		if p.Start <= nowOffset && nowOffset < p.End {
			return true
		}
	}
	return false
}

// Run dispatches one instance of the job's template, per spec §4.H "Job
// run": skip a disabled template, disable a onetime template before
// dispatch, deep-clone, assign a fresh id, prepend the port to
// receivers, set nextReceiver=1, publish, then sleep sleepTime seconds
// before returning control to the tick loop.
func (j *Job) Run() {
	if !j.Template.Enabled() {
		return
	}
	if j.Template.Onetime() {
		j.Template.SetEnabled(false)
	}

	obs := j.Template.Clone()
	obs.Set("id", observation.NewID())
	obs.PrependReceiver(j.PortName)
	obs.SetNextReceiver(1)

	if j.Publish != nil {
		j.Publish(j.PortName, map[string]any{"type": "observation"}, obs.Data(), false)
	}

	time.Sleep(time.Duration(obs.SleepTime() * float64(time.Second)))
}
