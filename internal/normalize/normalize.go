// Package normalize converts physical-unit grid fields to and from the model's
// normalized numeric space, using precomputed per-variable statistics.
//
// Absolute fields use mean/stddev; predicted increments use the stddev of temporal
// differences. Statistics are loaded once, immutable afterwards, and safe to share
// across concurrent rollouts.
package normalize

import (
	"os"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/meshcast/meshcast/internal/generics"
)

// DefaultEpsilon is the floor applied to standard deviations at load time, guarding
// the division in Normalize against zero or near-zero values.
const DefaultEpsilon float32 = 1e-12

// Statistics holds the per-variable normalization constants, aligned by index: the
// statistics of Vars[i] live at position i of each slice. Vars is sorted, so the
// variable-to-column assignment is deterministic.
type Statistics struct {
	Vars        []string
	Mean        []float32
	Stddev      []float32
	DiffsStddev []float32
}

// statsFile is the on-disk YAML schema: three maps keyed by variable name.
type statsFile struct {
	Mean        map[string]float32 `yaml:"mean"`
	Stddev      map[string]float32 `yaml:"stddev"`
	DiffsStddev map[string]float32 `yaml:"diffs_stddev"`
}

// New builds Statistics from the three per-variable maps. The maps must be non-empty,
// cover identical variable sets and contain only finite values; stddevs are floored
// at epsilon (DefaultEpsilon if epsilon <= 0).
func New(mean, stddev, diffsStddev map[string]float32, epsilon float32) (*Statistics, error) {
	if len(mean) == 0 {
		return nil, errors.New("statistics have no variables")
	}
	if len(stddev) != len(mean) || len(diffsStddev) != len(mean) {
		return nil, errors.Errorf(
			"statistics variable sets disagree: %d mean, %d stddev, %d diffs_stddev entries",
			len(mean), len(stddev), len(diffsStddev))
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	s := &Statistics{}
	for name := range generics.SortedKeys(mean) {
		m := mean[name]
		sd, ok := stddev[name]
		if !ok {
			return nil, errors.Errorf("variable %q has a mean but no stddev", name)
		}
		dsd, ok := diffsStddev[name]
		if !ok {
			return nil, errors.Errorf("variable %q has a mean but no diffs_stddev", name)
		}
		for _, v := range []float32{m, sd, dsd} {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return nil, errors.Errorf("variable %q has non-finite statistics", name)
			}
		}
		if sd < 0 || dsd < 0 {
			return nil, errors.Errorf("variable %q has negative stddev", name)
		}
		s.Vars = append(s.Vars, name)
		s.Mean = append(s.Mean, m)
		s.Stddev = append(s.Stddev, math32.Max(sd, epsilon))
		s.DiffsStddev = append(s.DiffsStddev, math32.Max(dsd, epsilon))
	}
	return s, nil
}

// Load reads Statistics from a single YAML file with mean, stddev and diffs_stddev
// sections. Malformed or incomplete files are fatal data errors.
func Load(path string, epsilon float32) (*Statistics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read statistics from %q", path)
	}
	var file statsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse statistics from %q", path)
	}
	stats, err := New(file.Mean, file.Stddev, file.DiffsStddev, epsilon)
	return stats, errors.WithMessagef(err, "invalid statistics in %q", path)
}

// NumVars returns the number of variables covered by the statistics.
func (s *Statistics) NumVars() int { return len(s.Vars) }

// Normalize computes (raw - mean) / stddev per variable over a flat [nodes, NumVars]
// field. dst and src must have the same length, a multiple of NumVars; dst may alias
// src for in-place normalization.
func (s *Statistics) Normalize(dst, src []float32) error {
	if err := s.checkLayout(dst, src); err != nil {
		return err
	}
	numVars := s.NumVars()
	for i, raw := range src {
		v := i % numVars
		dst[i] = (raw - s.Mean[v]) / s.Stddev[v]
	}
	return nil
}

// Denormalize is the inverse of Normalize: normalized * stddev + mean.
func (s *Statistics) Denormalize(dst, src []float32) error {
	if err := s.checkLayout(dst, src); err != nil {
		return err
	}
	numVars := s.NumVars()
	for i, normalized := range src {
		v := i % numVars
		dst[i] = normalized*s.Stddev[v] + s.Mean[v]
	}
	return nil
}

// DenormalizeIncrement converts a normalized predicted increment to physical units:
// pred * diffs_stddev. Increments use the difference statistics, not the absolute
// ones, since the model predicts a per-step delta.
func (s *Statistics) DenormalizeIncrement(dst, pred []float32) error {
	if err := s.checkLayout(dst, pred); err != nil {
		return err
	}
	numVars := s.NumVars()
	for i, p := range pred {
		dst[i] = p * s.DiffsStddev[i%numVars]
	}
	return nil
}

func (s *Statistics) checkLayout(dst, src []float32) error {
	if len(dst) != len(src) {
		return errors.Errorf("destination length %d != source length %d", len(dst), len(src))
	}
	if len(src)%s.NumVars() != 0 {
		return errors.Errorf("field length %d is not a multiple of the %d variables", len(src), s.NumVars())
	}
	return nil
}

// CheckFinite returns an error naming the first NaN or Inf found in values, if any.
// The forecaster calls it at step boundaries: a non-finite state would silently
// corrupt every subsequent autoregressive step.
func CheckFinite(values []float32) error {
	for i, v := range values {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return errors.Errorf("non-finite value %v at index %d", v, i)
		}
	}
	return nil
}
