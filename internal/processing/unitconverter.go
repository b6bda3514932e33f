package processing

import (
	"log/slog"
	"math"

	"github.com/dabamos/openadms-node/internal/observation"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/worker"
)

// UnitConverterClassPath is the static registry key for the
// UnitConverter worker.
const UnitConverterClassPath = "modules.processing.UnitConverter"

func init() {
	runtime.Register(UnitConverterClassPath, buildUnitConverter)
}

type conversion struct {
	conversionType string
	sourceUnit     string
	scalingValue   float64
	targetUnit     string
}

// unitConverter rescales named response set values, e.g. millimeters to
// meters, matching UnitConverter.process_observation. Only the "scale"
// conversion type is implemented, matching the original — no other
// conversionType value is documented there either.
type unitConverter struct {
	logger      *slog.Logger
	conversions map[string]conversion
}

func buildUnitConverter(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
	uc := &unitConverter{logger: deps.Logger, conversions: map[string]conversion{}}

	for responseName, raw := range cfg {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		c := conversion{}
		c.conversionType, _ = m["conversionType"].(string)
		c.sourceUnit, _ = m["sourceUnit"].(string)
		c.scalingValue, _ = m["scalingValue"].(float64)
		c.targetUnit, _ = m["targetUnit"].(string)
		uc.conversions[responseName] = c
	}

	w := worker.New(name, classPath, deps.Logger)
	w.SetProcessor(uc.process)
	return w, nil
}

func (uc *unitConverter) process(obs *observation.Observation) *observation.Observation {
	for responseName, c := range uc.conversions {
		rs, ok := obs.ResponseSet(responseName)
		if !ok {
			continue
		}

		sourceValue, ok := asFloat(rs.Value)
		if !ok || rs.Unit == "" {
			continue
		}

		if rs.Unit != c.sourceUnit {
			uc.logger.Warn("response unit does not match configured source unit",
				"responseSet", responseName, "observation", obs.Name(), "target", obs.Get("target", ""),
				"unit", rs.Unit, "expected", c.sourceUnit)
			continue
		}

		if c.conversionType != "scale" {
			continue
		}

		targetValue := sourceValue * c.scalingValue
		uc.logger.Info("converted response unit",
			"responseSet", responseName, "observation", obs.Name(), "target", obs.Get("target", ""),
			"from", sourceValue, "fromUnit", rs.Unit, "to", targetValue, "toUnit", c.targetUnit)

		obs.SetResponseSet(responseName, observation.NewResponseSet("float", c.targetUnit, round5(targetValue)))
	}
	return obs
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}
