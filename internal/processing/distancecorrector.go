package processing

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dabamos/openadms-node/internal/observation"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/sensor"
	"github.com/dabamos/openadms-node/internal/worker"
)

// DistanceCorrectorClassPath is the static registry key for the
// DistanceCorrector worker.
const DistanceCorrectorClassPath = "modules.processing.DistanceCorrector"

func init() {
	runtime.Register(DistanceCorrectorClassPath, buildDistanceCorrector)
}

// maxAtmosphericDataAge is the staleness threshold past which a warning
// is logged before a correction is still applied, matching
// DistanceCorrector._max_age.
const maxAtmosphericDataAge = time.Hour

// distanceCorrector reduces a total station's slope distance for
// atmospheric (temperature/pressure/humidity) and sea-level effects,
// matching DistanceCorrector.process_observation. When fed an
// observation from a weather station it instead updates its own
// atmospheric state for the next total-station correction — the same
// worker instance serves both roles, exactly like the original.
type distanceCorrector struct {
	logger *slog.Logger

	atmosphericEnabled bool
	seaLevelEnabled    bool
	distanceName       string
	sensorHeight       float64

	mu          sync.Mutex
	temperature float64
	pressure    float64
	humidity    float64
	lastUpdate  time.Time
}

func buildDistanceCorrector(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
	dc := &distanceCorrector{logger: deps.Logger, lastUpdate: time.Now()}

	dc.atmosphericEnabled, _ = cfg["atmosphericCorrectionEnabled"].(bool)
	dc.seaLevelEnabled, _ = cfg["seaLevelCorrectionEnabled"].(bool)
	dc.distanceName, _ = cfg["distanceName"].(string)
	dc.temperature, _ = cfg["temperature"].(float64)
	dc.pressure, _ = cfg["pressure"].(float64)
	dc.humidity, _ = cfg["humidity"].(float64)
	dc.sensorHeight, _ = cfg["sensorHeight"].(float64)

	w := worker.New(name, classPath, deps.Logger)
	w.SetProcessor(dc.process)
	return w, nil
}

func (dc *distanceCorrector) process(obs *observation.Observation) *observation.Observation {
	sensorType, _ := obs.Get("sensorType", "").(string)

	if sensor.IsWeatherStationType(sensorType) {
		dc.updateMeteorologicalData(obs)
		return obs
	}

	if !sensor.IsTotalStationType(sensorType) {
		dc.logger.Warn("sensor type not supported", "sensorType", sensorType)
		return obs
	}

	dc.mu.Lock()
	temperature, pressure, humidity, lastUpdate := dc.temperature, dc.pressure, dc.humidity, dc.lastUpdate
	dc.mu.Unlock()

	if temperature == 0 || pressure == 0 || humidity == 0 {
		dc.logger.Warn("no temperature, air pressure, or humidity set")
		return obs
	}

	if time.Since(lastUpdate) > maxAtmosphericDataAge {
		dc.logger.Warn("atmospheric data is older than maximum age", "maxAge", maxAtmosphericDataAge)
	}

	dist, ok := asFloat(obs.ResponseValue(dc.logger, dc.distanceName))
	if !ok {
		dc.logger.Warn("no distance set in observation", "observation", obs.Name(), "id", obs.ID())
		return obs
	}

	var dDist1, dDist2 float64

	if dc.atmosphericEnabled {
		c := AtmosphericCorrection(temperature, pressure, humidity)
		dDist1 = dist * c * math.Pow(10, -6)
		obs.SetResponseSet("atmosphericPpm", observation.NewResponseSet("float", "none", round5(c)))
	}

	if dc.seaLevelEnabled {
		dDist2 = SeaLevelCorrection(dc.sensorHeight)
		obs.SetResponseSet("seaLevelDelta", observation.NewResponseSet("float", "m", round5(dDist2)))
	}

	if dDist1 != 0 || dDist2 != 0 {
		reducedDist := dist + dDist1 + dDist2
		dc.logger.Info("reduced distance",
			"from", dist, "to", reducedDist, "correction", dDist1+dDist2)

		rawSet, _ := obs.ResponseSet(dc.distanceName)
		obs.SetResponseSet(dc.distanceName+"Raw", rawSet)
		obs.SetResponseSet(dc.distanceName, observation.NewResponseSet("float", "m", round5(reducedDist)))
	}

	return obs
}

// AtmosphericCorrection calculates the atmospheric correction value in
// parts per million (ppm) for the reduction of distances gained by
// electronic distance measurement (EDM). The formula is taken from the
// official manual of the Leica TM30 robotic total station (page 76) and
// is valid for all modern Leica Geosystems total stations.
func AtmosphericCorrection(temperature, pressure, humidity float64) float64 {
	const alpha = 1.0 / 273.15
	div := 1 + (alpha * temperature)
	x := (7.5 * (temperature / (237.3 + temperature))) + 0.7857

	a := 0.29525 * pressure
	b := 4.126 * math.Pow(10, -4) * humidity
	return 286.34 - ((a / div) - ((b / div) * math.Pow(10, x)))
}

// SeaLevelCorrection calculates the sea level correction term, in
// meters, for a sensor mounted sensorHeight meters above sea level.
func SeaLevelCorrection(sensorHeight float64) float64 {
	const earthRadius = 6.378e6
	return -1 * (sensorHeight / earthRadius)
}

func (dc *distanceCorrector) updateMeteorologicalData(obs *observation.Observation) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if rs, ok := obs.ResponseSet("temperature"); ok {
		if t, ok := asFloat(rs.Value); ok {
			dc.temperature = t
		} else {
			dc.logger.Warn("no temperature set in observation", "observation", obs.Name(), "id", obs.ID())
		}
	}

	if rs, ok := obs.ResponseSet("pressure"); ok {
		if p, ok := asFloat(rs.Value); ok {
			dc.pressure = p
		} else {
			dc.logger.Warn("no pressure set in observation", "observation", obs.Name(), "id", obs.ID())
		}
	}

	if rs, ok := obs.ResponseSet("humidity"); ok {
		if h, ok := asFloat(rs.Value); ok {
			if rs.Unit == "%" {
				h /= 100
			}
			dc.humidity = h
		} else {
			dc.logger.Warn("no humidity set in observation", "observation", obs.Name(), "id", obs.ID())
		}
	}

	dc.lastUpdate = time.Now()
}
