package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// TimeSheet is a hand-editable weekly schedule override, kept outside
// the main JSON document as a separate TOML file
// (core.scheduler.timeSheetFile) so operators can tweak a job's active
// hours without touching the generated config. Keyed by job/observation
// name; each entry holds the same weekday -> periods shape the inline
// "weekdays" config in a scheduler's "schedules" entry uses, so an
// override simply replaces that entry wholesale.
type TimeSheet struct {
	Jobs map[string]map[string][]TimeSheetPeriod `toml:"jobs"`
}

// TimeSheetPeriod is one active window within a single weekday.
type TimeSheetPeriod struct {
	StartTime string `toml:"startTime"`
	EndTime   string `toml:"endTime"`
}

// LoadTimeSheet reads and decodes a weekly time-sheet override file.
func LoadTimeSheet(path string) (*TimeSheet, error) {
	var ts TimeSheet
	if _, err := toml.DecodeFile(path, &ts); err != nil {
		return nil, fmt.Errorf("config: time sheet %s: %w", path, err)
	}
	return &ts, nil
}

// Weekdays returns job's override weekday sheet in the map[string]any
// shape scheduler.NewJob's weekdaysCfg parameter expects, or nil if the
// time sheet has no entry for job (the caller then falls back to
// whatever "weekdays" the JSON document itself specified).
func (ts *TimeSheet) Weekdays(job string) map[string]any {
	if ts == nil {
		return nil
	}
	days, ok := ts.Jobs[job]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(days))
	for day, periods := range days {
		list := make([]any, 0, len(periods))
		for _, p := range periods {
			list = append(list, map[string]any{"startTime": p.StartTime, "endTime": p.EndTime})
		}
		out[day] = list
	}
	return out
}
