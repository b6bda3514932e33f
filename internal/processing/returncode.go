package processing

import (
	"log/slog"

	"github.com/dabamos/openadms-node/internal/observation"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/worker"
)

// ReturnCodeInspectorClassPath is the static registry key for the
// ReturnCodeInspector worker.
const ReturnCodeInspectorClassPath = "modules.processing.ReturnCodeInspector"

func init() {
	runtime.Register(ReturnCodeInspectorClassPath, buildReturnCodeInspector)
}

// returnCodeInfo is one row of the Leica GeoCOM return-code table: the
// slog level to log at, whether the measurement should be retried, and
// the human-readable message. Taken from the official GeoCOM reference
// manual for the TPS1200, TS30, and TM30 total stations; the table is
// not exhaustive.
type returnCodeInfo struct {
	level   slog.Level
	retry   bool
	message string
}

// returnCodes is the GeoCOM return-code table.
var returnCodes = map[int]returnCodeInfo{
	2:    {slog.LevelError, false, "Unknown error, result unspecified"},
	3:    {slog.LevelWarn, false, "Invalid result"},
	4:    {slog.LevelError, false, "Fatal error"},
	5:    {slog.LevelError, false, "GeoCOM command unknown (not implemented yet)"},
	6:    {slog.LevelError, false, "Function execution timed out (result unspecified)"},
	13:   {slog.LevelError, true, "System busy"},
	514:  {slog.LevelError, false, "Several targets detected"},
	1283: {slog.LevelWarn, false, "Measurement without full correction"},
	1284: {slog.LevelWarn, false, "Accuracy can not be guaranteed"},
	1285: {slog.LevelError, true, "Only angle measurement valid"},
	1288: {slog.LevelWarn, false, "Only angle measurement valid, but without full correction"},
	1292: {slog.LevelError, true, "Distance measurement not done (no aim, etc.)"},
	8704: {slog.LevelError, true, "Position not reached"},
	8708: {slog.LevelError, true, "Position not exactly reached"},
	8710: {slog.LevelError, true, "No target detected"},
	8711: {slog.LevelError, false, "Multiple targets detected"},
	8714: {slog.LevelError, false, "Target acquisition not enabled"},
	8716: {slog.LevelError, true, "Target position not exactly reached"},
}

// returnCodeInspector inspects the named response sets of an
// observation for a Leica GeoCOM return code. A non-zero code either
// schedules a retry (rewinding nextReceiver to 0 and re-dispatching, up
// to a configured number of attempts) or marks the observation
// corrupted, matching ReturnCodeInspector.process_observation.
type returnCodeInspector struct {
	logger       *slog.Logger
	responseSets []string
	retries      int
}

func buildReturnCodeInspector(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
	rci := &returnCodeInspector{logger: deps.Logger}

	if raw, ok := cfg["responseSets"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				rci.responseSets = append(rci.responseSets, s)
			}
		}
	}
	if retries, ok := cfg["retries"].(float64); ok {
		rci.retries = int(retries)
	}

	w := worker.New(name, classPath, deps.Logger)
	w.SetProcessor(rci.process)
	return w, nil
}

func (rci *returnCodeInspector) process(obs *observation.Observation) *observation.Observation {
	for _, responseSet := range rci.responseSets {
		rs, ok := obs.ResponseSet(responseSet)
		if !ok {
			continue
		}
		code, ok := asInt(rs.Value)
		if !ok {
			continue
		}

		if code == 0 {
			if obs.Corrupted() {
				obs.SetCorrupted(false)
			}
			return obs
		}

		attempts := obs.Attempts()
		info, known := returnCodes[code]

		if known && info.retry && attempts < rci.retries {
			obs.SetAttempts(attempts + 1)
			obs.SetCorrupted(false)
			obs.SetNextReceiver(0)
			rci.logger.Info("retrying observation due to return code",
				"observation", obs.Name(), "target", obs.Get("target", ""),
				"code", code, "responseSet", responseSet, "attempt", attempts+1, "retries", rci.retries)
		} else {
			obs.SetCorrupted(true)
			if known {
				rci.logger.Log(nil, info.level, info.message,
					"observation", obs.Name(), "target", obs.Get("target", ""), "code", code, "responseSet", responseSet)
			} else {
				rci.logger.Error("error occurred on observation (unknown return code)",
					"observation", obs.Name(), "code", code, "responseSet", responseSet)
			}
		}
		return obs
	}
	return obs
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
