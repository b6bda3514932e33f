// Package sensor builds Observation templates from configuration — the
// per-sensor request catalog described in spec §4.C.
package sensor

import (
	"fmt"
	"strings"

	"github.com/dabamos/openadms-node/internal/observation"
)

// Sensor holds a set of named Observation templates.
type Sensor struct {
	Name         string
	Type         string
	Description  string
	observations map[string]*observation.Observation
}

// New builds a Sensor from its decoded configuration subtree
// (config.sensors.<name>), un-escaping request/responseDelimiter/
// responsePattern exactly once, matching core/sensor.py's
// create_observation.
func New(name string, cfg map[string]any) (*Sensor, error) {
	s := &Sensor{
		Name:         name,
		observations: map[string]*observation.Observation{},
	}
	if t, ok := cfg["type"].(string); ok {
		s.Type = t
	}
	if d, ok := cfg["description"].(string); ok {
		s.Description = d
	}

	rawObs, _ := cfg["observations"].([]any)
	for _, ro := range rawObs {
		m, ok := ro.(map[string]any)
		if !ok {
			continue
		}
		obs, err := buildTemplate(name, s.Type, m)
		if err != nil {
			return nil, fmt.Errorf("sensor %q: %w", name, err)
		}
		s.observations[obs.Name()] = obs
	}
	return s, nil
}

func buildTemplate(sensorName, sensorType string, m map[string]any) (*observation.Observation, error) {
	data := make(map[string]any, len(m))
	for k, v := range m {
		data[k] = v
	}
	data["sensorName"] = sensorName
	data["sensorType"] = sensorType
	if _, ok := data["enabled"]; !ok {
		data["enabled"] = true
	}
	if _, ok := data["nextReceiver"]; !ok {
		data["nextReceiver"] = 0
	}

	if reqSets, ok := data["requestSets"].(map[string]any); ok {
		for name, raw := range reqSets {
			rs, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			unescapeInto(rs, "request")
			unescapeInto(rs, "responseDelimiter")
			unescapeInto(rs, "responsePattern")
			reqSets[name] = rs
		}
	}

	obs := observation.FromMap(data)
	if obs.Name() == "" || obs.Name() == "default" {
		if n, ok := m["name"].(string); ok {
			obs.Set("name", n)
		}
	}
	return obs, nil
}

// unescapeInto resolves \r, \n, \t escape sequences exactly once in the
// named string field of m, matching core/sensor.py's
// codecs.decode(..., 'unicode_escape') for the three fields spec §4.C
// names.
func unescapeInto(m map[string]any, key string) {
	s, ok := m[key].(string)
	if !ok {
		return
	}
	m[key] = Unescape(s)
}

// Unescape interprets the C-style escapes \r, \n, \t (and the literal
// backslash \\) exactly once. This is narrower than Go's strconv.Unquote
// — it is only ever applied to request/responseDelimiter/responsePattern
// strings loaded from JSON, which may themselves contain regex
// metacharacters that strconv.Unquote would reject.
func Unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
			b.WriteByte(s[i+1])
		}
		i++
	}
	return b.String()
}

// Template returns the named observation template, or nil if absent.
func (s *Sensor) Template(name string) (*observation.Observation, bool) {
	obs, ok := s.observations[name]
	return obs, ok
}

// Templates returns every observation template held by this sensor.
func (s *Sensor) Templates() map[string]*observation.Observation {
	return s.observations
}

// IsTotalStation reports whether the sensor's type names a total station,
// matching core/sensor.py's SensorType.is_total_station.
func (s *Sensor) IsTotalStation() bool {
	return IsTotalStationType(s.Type)
}

// IsWeatherStation reports whether the sensor's type names a weather
// station, matching core/sensor.py's SensorType.is_weather_station.
func (s *Sensor) IsWeatherStation() bool {
	return IsWeatherStationType(s.Type)
}

// IsTotalStationType reports whether the given sensorType string (as
// carried on an observation) names a total station. Exposed standalone
// so processing workers can classify an observation's "sensorType"
// field without a Catalog lookup, matching
// totalstation.py's SensorType.is_total_station.
func IsTotalStationType(t string) bool {
	return matchesType(t, totalStationTypes)
}

// IsWeatherStationType reports whether the given sensorType string names
// a weather station, matching SensorType.is_weather_station.
func IsWeatherStationType(t string) bool {
	return matchesType(t, weatherStationTypes)
}

var totalStationTypes = []string{"totalstation", "totalStation", "robotictotalstation"}
var weatherStationTypes = []string{"weatherstation", "weatherStation"}

func matchesType(t string, names []string) bool {
	for _, n := range names {
		if strings.EqualFold(t, n) {
			return true
		}
	}
	return false
}

// Catalog is the node-wide collection of sensors, keyed by name.
type Catalog struct {
	sensors map[string]*Sensor
}

// NewCatalog builds a Catalog from config.sensors.
func NewCatalog(sensorsCfg map[string]any) (*Catalog, error) {
	c := &Catalog{sensors: map[string]*Sensor{}}
	for name, raw := range sensorsCfg {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		s, err := New(name, m)
		if err != nil {
			return nil, err
		}
		c.sensors[name] = s
	}
	return c, nil
}

// Get returns the named sensor, or ok=false.
func (c *Catalog) Get(name string) (*Sensor, bool) {
	s, ok := c.sensors[name]
	return s, ok
}

// Names returns every sensor name in the catalog.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.sensors))
	for n := range c.sensors {
		names = append(names, n)
	}
	return names
}
