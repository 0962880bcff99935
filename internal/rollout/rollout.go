// Package rollout applies the forecaster autoregressively: each step normalizes the
// current physical state, runs the encode-process-decode model, denormalizes the
// predicted increment and adds it to the state, which becomes the next step's input.
//
// The driver is an explicit state machine (Initialized, Stepping, Terminal) rather
// than an implicit loop: cancellation is honored between steps, and any step failure
// is fatal to the whole in-flight forecast, since an invalid state would corrupt
// every subsequent autoregressive step.
package rollout

import (
	"context"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/meshcast/meshcast/internal/graphs"
	"github.com/meshcast/meshcast/internal/normalize"
)

// State of a Driver.
type State int

//go:generate go tool enumer -type=State -transform=snake -values -text rollout.go

const (
	// Initialized: the driver holds a valid current state and can step.
	Initialized State = iota
	// Stepping: a forward step is in flight.
	Stepping
	// Terminal: the horizon was reached or a step failed; the driver cannot step again.
	Terminal
)

// Predictor is the single-step forward model: normalized grid input in, normalized
// increment out. *model.Predictor implements it.
type Predictor interface {
	Predict(gridX []float32) ([]float32, error)
}

// Driver advances one batch element's atmospheric state across forecast steps. It
// owns its state window exclusively; the predictor, statistics and static features
// it references are read-only and may be shared across concurrent drivers.
type Driver struct {
	pred  Predictor
	stats *normalize.Statistics

	// staticFeatures is the flat [numGridNodes, graphs.GridStaticFeatureDim]
	// geographic features appended to every input.
	staticFeatures []float32

	numGridNodes, inputSteps int

	// window holds the last inputSteps physical (denormalized) states, oldest first,
	// each flat [numGridNodes, NumVars].
	window [][]float32

	state State
	step  int
}

// NewDriver creates a driver from the initial physical states (oldest first, at
// least one, each flat [numGridNodes, stats.NumVars()]). If fewer than inputSteps
// states are given the oldest is replicated backwards in time.
func NewDriver(pred Predictor, stats *normalize.Statistics, staticFeatures []float32,
	numGridNodes, inputSteps int, initial [][]float32) (*Driver, error) {
	if inputSteps < 1 {
		return nil, errors.Errorf("input_steps must be >= 1, got %d", inputSteps)
	}
	if len(initial) == 0 {
		return nil, errors.New("no initial state given")
	}
	if len(staticFeatures) != numGridNodes*graphs.GridStaticFeatureDim {
		return nil, errors.Errorf("static features have %d values, want %d",
			len(staticFeatures), numGridNodes*graphs.GridStaticFeatureDim)
	}
	stateLen := numGridNodes * stats.NumVars()
	for i, s := range initial {
		if len(s) != stateLen {
			return nil, errors.Errorf("initial state %d has %d values, want %d (%d nodes x %d vars)",
				i, len(s), stateLen, numGridNodes, stats.NumVars())
		}
		if err := normalize.CheckFinite(s); err != nil {
			return nil, errors.WithMessagef(err, "initial state %d", i)
		}
	}
	d := &Driver{
		pred:           pred,
		stats:          stats,
		staticFeatures: staticFeatures,
		numGridNodes:   numGridNodes,
		inputSteps:     inputSteps,
		state:          Initialized,
	}
	if len(initial) > inputSteps {
		initial = initial[len(initial)-inputSteps:]
	}
	for _, s := range initial {
		d.window = append(d.window, slices.Clone(s))
	}
	for len(d.window) < inputSteps {
		d.window = append([][]float32{slices.Clone(d.window[0])}, d.window...)
	}
	return d, nil
}

// State returns the driver's current state-machine state.
func (d *Driver) State() State { return d.state }

// Current returns a copy of the latest physical state.
func (d *Driver) Current() []float32 { return slices.Clone(d.window[len(d.window)-1]) }

// Step advances the forecast by one step and returns a copy of the new physical
// state. Cancellation is checked at the step boundary only; a failure anywhere in
// the step drives the machine to Terminal.
func (d *Driver) Step(ctx context.Context) ([]float32, error) {
	if d.state == Terminal {
		return nil, errors.New("rollout is terminal, cannot step")
	}
	if err := ctx.Err(); err != nil {
		d.state = Terminal
		return nil, errors.Wrap(err, "rollout cancelled")
	}
	d.state = Stepping
	next, err := d.advance()
	if err != nil {
		d.state = Terminal
		return nil, errors.WithMessagef(err, "rollout step %d", d.step)
	}
	d.window = append(d.window[1:], next)
	d.step++
	d.state = Initialized
	klog.V(1).Infof("rollout step %d done", d.step)
	return slices.Clone(next), nil
}

// advance runs normalize -> model -> denormalize -> add on the current window.
func (d *Driver) advance() ([]float32, error) {
	input, err := d.buildInput()
	if err != nil {
		return nil, err
	}
	pred, err := d.pred.Predict(input)
	if err != nil {
		return nil, err
	}
	if err := normalize.CheckFinite(pred); err != nil {
		return nil, errors.WithMessage(err, "predicted increment")
	}
	increment := make([]float32, len(pred))
	if err := d.stats.DenormalizeIncrement(increment, pred); err != nil {
		return nil, err
	}
	current := d.window[len(d.window)-1]
	if len(increment) != len(current) {
		return nil, errors.Errorf("increment has %d values, state has %d", len(increment), len(current))
	}
	next := make([]float32, len(current))
	for i := range next {
		next[i] = current[i] + increment[i]
	}
	return next, nil
}

// buildInput stacks the normalized window states and the static geographic features
// into the flat [numGridNodes, inputSteps*NumVars + GridStaticFeatureDim] model input.
func (d *Driver) buildInput() ([]float32, error) {
	numVars := d.stats.NumVars()
	nodeDim := d.inputSteps*numVars + graphs.GridStaticFeatureDim
	normalized := make([][]float32, d.inputSteps)
	for t, s := range d.window {
		normalized[t] = make([]float32, len(s))
		if err := d.stats.Normalize(normalized[t], s); err != nil {
			return nil, err
		}
	}
	input := make([]float32, d.numGridNodes*nodeDim)
	for g := range d.numGridNodes {
		offset := g * nodeDim
		for t := range d.inputSteps {
			copy(input[offset:], normalized[t][g*numVars:(g+1)*numVars])
			offset += numVars
		}
		copy(input[offset:], d.staticFeatures[g*graphs.GridStaticFeatureDim:(g+1)*graphs.GridStaticFeatureDim])
	}
	return input, nil
}

// Run advances the forecast for the whole horizon and returns the state after each
// step, oldest first. On failure no partial result is returned. The driver is
// Terminal afterwards either way.
func (d *Driver) Run(ctx context.Context, horizon int) ([][]float32, error) {
	if horizon <= 0 {
		return nil, errors.Errorf("forecast horizon must be > 0, got %d", horizon)
	}
	states := make([][]float32, 0, horizon)
	for range horizon {
		next, err := d.Step(ctx)
		if err != nil {
			return nil, err
		}
		states = append(states, next)
	}
	d.state = Terminal
	return states, nil
}

// RunBatch runs one driver per batch element concurrently over the same horizon.
// Drivers share the predictor, statistics and graphs read-only but own their state
// windows, so batch elements never alias. The first failing element cancels the rest.
func RunBatch(ctx context.Context, drivers []*Driver, horizon int) ([][][]float32, error) {
	grp, ctx := errgroup.WithContext(ctx)
	results := make([][][]float32, len(drivers))
	for i, d := range drivers {
		grp.Go(func() error {
			states, err := d.Run(ctx, horizon)
			if err != nil {
				return errors.WithMessagef(err, "batch element %d", i)
			}
			results[i] = states
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
