package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/meshcast/meshcast/internal/normalize"
)

// stateFile is the on-disk YAML schema for initial states: per batch element, per
// time step (oldest first), a map from variable name to its per-grid-node values.
type stateFile struct {
	States [][]map[string][]float32 `yaml:"states"`
}

// forecastFile is the output schema: per batch element, per forecast step, the
// per-variable grid fields.
type forecastFile struct {
	Forecast [][]map[string][]float32 `yaml:"forecast"`
}

// loadInitialStates reads and flattens the initial states: result[batch][step] is a
// flat [numGridNodes, stats.NumVars()] field with variables in stats.Vars order.
func loadInitialStates(path string, stats *normalize.Statistics, numGridNodes int) ([][][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read initial state from %q", path)
	}
	var file stateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse initial state from %q", path)
	}
	if len(file.States) == 0 {
		return nil, errors.Errorf("initial state file %q has no batch elements", path)
	}
	batch := make([][][]float32, len(file.States))
	for b, steps := range file.States {
		if len(steps) == 0 {
			return nil, errors.Errorf("batch element %d has no time steps", b)
		}
		batch[b] = make([][]float32, len(steps))
		for t, fields := range steps {
			flat, err := flattenFields(fields, stats, numGridNodes)
			if err != nil {
				return nil, errors.WithMessagef(err, "batch element %d, time step %d", b, t)
			}
			batch[b][t] = flat
		}
	}
	return batch, nil
}

// flattenFields interleaves the per-variable fields into the flat [node, var] layout
// the normalizer and driver use. Every statistics variable must be present with
// exactly numGridNodes values.
func flattenFields(fields map[string][]float32, stats *normalize.Statistics, numGridNodes int) ([]float32, error) {
	numVars := stats.NumVars()
	flat := make([]float32, numGridNodes*numVars)
	for vi, name := range stats.Vars {
		values, ok := fields[name]
		if !ok {
			return nil, errors.Errorf("variable %q is missing", name)
		}
		if len(values) != numGridNodes {
			return nil, errors.Errorf("variable %q has %d values, want %d grid nodes", name, len(values), numGridNodes)
		}
		for g, v := range values {
			flat[g*numVars+vi] = v
		}
	}
	return flat, nil
}

// splitFields is the inverse of flattenFields.
func splitFields(flat []float32, stats *normalize.Statistics) map[string][]float32 {
	numVars := stats.NumVars()
	numGridNodes := len(flat) / numVars
	fields := make(map[string][]float32, numVars)
	for vi, name := range stats.Vars {
		values := make([]float32, numGridNodes)
		for g := range numGridNodes {
			values[g] = flat[g*numVars+vi]
		}
		fields[name] = values
	}
	return fields
}

// writeForecast writes the rollout results ([batch][step] flat fields) as YAML.
func writeForecast(path string, stats *normalize.Statistics, results [][][]float32) error {
	file := forecastFile{Forecast: make([][]map[string][]float32, len(results))}
	for b, states := range results {
		file.Forecast[b] = make([]map[string][]float32, len(states))
		for t, flat := range states {
			file.Forecast[b][t] = splitFields(flat, stats)
		}
	}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return errors.Wrap(err, "failed to marshal forecast")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write forecast to %q", path)
}
