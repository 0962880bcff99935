package model

import (
	"fmt"
	"os"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/meshcast/meshcast/internal/generics"
)

var (
	// Backend is a singleton, shared by every predictor in the process.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })
)

// Predictor wraps a MeshNet with a compiled executor and optional checkpointing. One
// executor is compiled per model and reused across rollout steps and batch elements;
// Predict is safe for concurrent use.
type Predictor struct {
	model *MeshNet

	forwardExec *context.Exec

	// checkpoint handler, if weights are being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// muExec serializes calls into the executor.
	muExec sync.Mutex
}

// NewPredictor creates a Predictor for the model. If checkpointDir is non-empty,
// weights are loaded from it (or freshly initialized weights are saved there). With
// requireWeights set, a missing checkpoint directory is a fatal configuration error:
// evaluating an untrained model is never meaningful.
func NewPredictor(m *MeshNet, checkpointDir string, requireWeights bool) (*Predictor, error) {
	p := &Predictor{model: m}
	if requireWeights && checkpointDir == "" {
		return nil, errors.New("trained weights required but no checkpoint directory given")
	}
	if checkpointDir != "" {
		if requireWeights {
			if _, err := os.Stat(checkpointDir); err != nil {
				return nil, errors.Wrapf(err, "trained weights required but checkpoint %q is missing", checkpointDir)
			}
		}
		var err error
		p.checkpoint, err = checkpoints.
			Build(m.Context()).
			Dir(checkpointDir).
			Immediate().
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint in %q", checkpointDir)
		}
	}
	p.forwardExec = context.NewExec(backend(), m.Context(),
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			return m.ForwardGraph(ctx, inputs)
		})
	return p, nil
}

// String implements fmt.Stringer.
func (p *Predictor) String() string {
	if p == nil {
		return "<nil>[MeshNet]"
	}
	if p.checkpoint == nil {
		return "MeshNet"
	}
	return fmt.Sprintf("MeshNet@%s", p.checkpoint.Dir())
}

// Model returns the underlying MeshNet.
func (p *Predictor) Model() *MeshNet { return p.model }

// Predict runs one forward pass: gridX is the flat [NumGridNodes, GridNodeDim]
// normalized input, the result is the flat [NumGridNodes, num_vars] normalized
// increment. GoMLX panics (shape or backend failures) are converted to errors.
func (p *Predictor) Predict(gridX []float32) (increment []float32, err error) {
	inputs, err := p.model.CreateInputs(gridX)
	if err != nil {
		return nil, err
	}
	// The dynamic grid input is freshly allocated per call, its buffer can be donated.
	// The static graph tensors are shared across calls and must keep theirs.
	args := generics.SliceMap(inputs, func(t *tensors.Tensor) any { return t })
	args[0] = graph.DonateTensorBuffer(inputs[0], backend())

	var out *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		p.muExec.Lock()
		defer p.muExec.Unlock()
		out = p.forwardExec.Call(args...)[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "forward pass failed")
	}
	increment = make([]float32, p.model.Graphs().NumGridNodes*p.model.NumVars())
	tensors.ConstFlatData(out, func(flat []float32) {
		copy(increment, flat)
	})
	return increment, nil
}

// Save writes the current weights through the checkpoint handler, if any.
func (p *Predictor) Save() error {
	if p.checkpoint == nil {
		return nil
	}
	return p.checkpoint.Save()
}
