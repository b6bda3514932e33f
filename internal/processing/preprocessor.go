// Package processing implements the example/drop-in processing workers
// named in SPEC_FULL.md's "processing" module family: PreProcessor,
// ResponseValueInspector, ReturnCodeInspector, UnitConverter, and
// DistanceCorrector. Each wires worker.SetProcessor with a
// processObservation equivalent grounded on modules/processing.py and
// modules/totalstation.py.
package processing

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dabamos/openadms-node/internal/observation"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/worker"
)

// PreProcessorClassPath is the static registry key for the PreProcessor worker.
const PreProcessorClassPath = "modules.processing.PreProcessor"

func init() {
	runtime.Register(PreProcessorClassPath, buildPreProcessor)
}

func buildPreProcessor(name, classPath string, cfg map[string]any, deps *runtime.Deps) (*worker.Worker, error) {
	w := worker.New(name, classPath, deps.Logger)
	p := &preProcessor{logger: deps.Logger}
	w.SetProcessor(p.process)
	return w, nil
}

// preProcessor extracts response values from the raw sensor responses
// of an observation's request sets using each request set's named-group
// regular expression, converting the matched group to the data type
// declared on its response set. Nothing here is configurable.
type preProcessor struct {
	logger interface {
		Warn(string, ...any)
		Error(string, ...any)
		Debug(string, ...any)
	}
}

func (p *preProcessor) process(obs *observation.Observation) *observation.Observation {
	for setName, rs := range obs.RequestSets() {
		if !rs.Enabled {
			continue
		}
		if !containsName(obs.RequestsOrder(), setName) {
			continue
		}

		if rs.Response == "" {
			p.logger.Warn("no response in observation",
				"request", setName, "observation", obs.Name(), "target", obs.Get("target", ""))
			continue
		}

		pattern, err := regexp.Compile(rs.ResponsePattern)
		if err != nil {
			p.logger.Error("invalid regular expression for response",
				"request", setName, "observation", obs.Name(), "target", obs.Get("target", ""))
			return obs
		}

		names := pattern.SubexpNames()
		if !hasNamedGroup(names) {
			p.logger.Error("no group(s) defined in regular expression pattern",
				"observation", obs.Name(), "target", obs.Get("target", ""))
			return obs
		}

		match := pattern.FindStringSubmatch(rs.Response)
		if match == nil {
			p.logger.Error("response does not match extraction pattern",
				"request", setName, "response", sanitize(rs.Response), "observation", obs.Name(), "target", obs.Get("target", ""))
			return obs
		}

		for i, groupName := range names {
			if groupName == "" {
				continue
			}
			rawValue := match[i]
			if rawValue == "" {
				p.logger.Error("undefined raw value in response set",
					"responseSet", groupName, "observation", obs.Name(), "target", obs.Get("target", ""))
				continue
			}

			responseSet, ok := obs.ResponseSet(groupName)
			if !ok {
				p.logger.Error("undefined response set",
					"responseSet", groupName, "observation", obs.Name(), "target", obs.Get("target", ""))
				continue
			}

			var value any
			switch strings.ToLower(responseSet.Type) {
			case "float":
				value = p.toFloat(rawValue)
			case "integer":
				value = p.toInt(rawValue)
			default:
				value = rawValue
			}

			if value != nil {
				p.logger.Debug("extracted value from raw response",
					"value", value, "responseSet", groupName, "observation", obs.Name())
				responseSet.Value = value
				obs.SetResponseSet(groupName, responseSet)
			}
		}
	}
	return obs
}

func (p *preProcessor) toFloat(raw string) any {
	dotValue := strings.ReplaceAll(raw, ",", ".")
	v, err := strconv.ParseFloat(dotValue, 64)
	if err != nil {
		p.logger.Warn("value could not be converted (invalid float)", "value", raw)
		return nil
	}
	return v
}

func (p *preProcessor) toInt(raw string) any {
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.logger.Warn("value could not be converted (invalid integer)", "value", raw)
		return nil
	}
	return v
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func hasNamedGroup(names []string) bool {
	for i, n := range names {
		if i > 0 && n != "" {
			return true
		}
	}
	return false
}

// sanitize escapes non-printable characters for safe logging, matching
// PreProcessor.sanitize.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}
