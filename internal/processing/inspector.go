package processing

import (
	"log/slog"

	"github.com/dabamos/openadms-node/internal/observation"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/worker"
)

// ResponseValueInspectorClassPath is the static registry key for the
// ResponseValueInspector worker.
const ResponseValueInspectorClassPath = "modules.processing.ResponseValueInspector"

func init() {
	runtime.Register(ResponseValueInspectorClassPath, buildResponseValueInspector)
}

type limits struct {
	min, max float64
}

// responseValueInspector checks response values of observations against
// configured [min, max] bounds and logs at error level when they fall
// outside, matching ResponseValueInspector.process_observation. The
// observation is always returned unmodified.
type responseValueInspector struct {
	logger       *slog.Logger
	observations map[string]map[string]limits // observation name -> response set -> limits
}

func buildResponseValueInspector(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
	ri := &responseValueInspector{logger: deps.Logger, observations: map[string]map[string]limits{}}

	if raw, ok := cfg["observations"].(map[string]any); ok {
		for obsName, rsRaw := range raw {
			rsMap, ok := rsRaw.(map[string]any)
			if !ok {
				continue
			}
			bounds := map[string]limits{}
			for responseName, lRaw := range rsMap {
				lMap, ok := lRaw.(map[string]any)
				if !ok {
					continue
				}
				min, _ := lMap["min"].(float64)
				max, _ := lMap["max"].(float64)
				bounds[responseName] = limits{min: min, max: max}
			}
			ri.observations[obsName] = bounds
		}
	}

	w := worker.New(name, classPath, deps.Logger)
	w.SetProcessor(ri.process)
	return w, nil
}

func (ri *responseValueInspector) process(obs *observation.Observation) *observation.Observation {
	bounds, ok := ri.observations[obs.Name()]
	if !ok {
		ri.logger.Warn("undefined observation", "observation", obs.Name(), "target", obs.Get("target", ""))
		return obs
	}

	for responseName, lim := range bounds {
		value := obs.ResponseValue(ri.logger, responseName)
		num, ok := asFloat(value)
		if !ok {
			ri.logger.Warn("response value is not a number",
				"responseSet", responseName, "observation", obs.Name(), "target", obs.Get("target", ""))
			continue
		}

		switch {
		case num < lim.min:
			ri.logger.Error("response value less than minimum",
				"responseSet", responseName, "observation", obs.Name(), "target", obs.Get("target", ""),
				"value", num, "min", lim.min)
		case num > lim.max:
			ri.logger.Error("response value greater than maximum",
				"responseSet", responseName, "observation", obs.Name(), "target", obs.Get("target", ""),
				"value", num, "max", lim.max)
		default:
			ri.logger.Debug("response value within set limits",
				"responseSet", responseName, "observation", obs.Name())
		}
	}
	return obs
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
