// Package model implements the encode-process-decode graph neural network of the
// forecaster on GoMLX: grid features are encoded onto the icosahedral mesh through
// the Grid2Mesh graph, processed by several rounds of message passing over the mesh
// graph, and decoded back onto the grid through the Mesh2Grid graph, ending in a
// regression head that predicts a normalized state increment.
package model

import (
	"bytes"
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/meshcast/meshcast/internal/graphs"
	"github.com/meshcast/meshcast/internal/parameters"
)

// MeshNet is the multi-mesh GNN forecaster model. It owns the GoMLX context with the
// weights and hyperparameters, plus the static graph tensors derived from the graph
// builder. The graphs and static tensors are immutable; all per-pass state lives
// inside the computation graph.
type MeshNet struct {
	ctx    *context.Context
	graphs *graphs.Graphs

	// Static inputs, built once: mesh node features, then per edge set the sender
	// indices, receiver indices and geometric features, plus the Mesh2Grid
	// interpolation weights. See CreateInputs for the exact order.
	static []*tensors.Tensor
}

// New creates a MeshNet over the given static graphs, with hyperparameters set to
// their defaults and then overridden from params. Keys in params that match a model
// hyperparameter are consumed; unknown keys are left for the caller to reject.
func New(g *graphs.Graphs, params parameters.Params) (*MeshNet, error) {
	m := &MeshNet{ctx: context.New(), graphs: g}
	m.ctx.RngStateReset()
	m.ctx.SetParams(map[string]any{
		// Number of predicted physical variables per grid node (node_output_dim).
		"num_vars": 83,

		// Number of input time steps stacked into the grid node features.
		"input_steps": 2,

		// Width of every node and edge embedding.
		"latent_dim": 512,

		// Number of message-passing rounds over the mesh graph.
		"gnn_msg_steps": 16,

		// Every update function is an MLP configured by these:
		activations.ParamActivation:   "swish",
		layers.ParamDropoutRate:       0.0,
		regularizers.ParamL2:          0.0,
		fnnLayer.ParamNumHiddenLayers: 1,
		fnnLayer.ParamNumHiddenNodes:  512,
		fnnLayer.ParamResidual:        false,
		fnnLayer.ParamNormalization:   "layer",
	})
	m.ctx = m.ctx.Checked(false)
	if err := m.setHyperparameters(params); err != nil {
		return nil, err
	}
	if m.NumVars() <= 0 || m.InputSteps() <= 0 || m.LatentDim() <= 0 || m.NumMessageSteps() <= 0 {
		return nil, errors.Errorf(
			"invalid model dimensions: num_vars=%d input_steps=%d latent_dim=%d gnn_msg_steps=%d, all must be > 0",
			m.NumVars(), m.InputSteps(), m.LatentDim(), m.NumMessageSteps())
	}
	m.buildStaticInputs()
	return m, nil
}

// Context used by the model, with both its weights and hyperparameters.
func (m *MeshNet) Context() *context.Context { return m.ctx }

// Graphs returns the static graphs the model was built over.
func (m *MeshNet) Graphs() *graphs.Graphs { return m.graphs }

// NumVars is the number of predicted physical variables per grid node.
func (m *MeshNet) NumVars() int { return context.GetParamOr(m.ctx, "num_vars", 0) }

// InputSteps is the number of stacked input time steps.
func (m *MeshNet) InputSteps() int { return context.GetParamOr(m.ctx, "input_steps", 0) }

// LatentDim is the embedding width.
func (m *MeshNet) LatentDim() int { return context.GetParamOr(m.ctx, "latent_dim", 0) }

// NumMessageSteps is the number of processor rounds.
func (m *MeshNet) NumMessageSteps() int { return context.GetParamOr(m.ctx, "gnn_msg_steps", 0) }

// GridNodeDim is the expected per-grid-node input feature dimension: the stacked
// normalized variables of every input step plus the static geographic features.
func (m *MeshNet) GridNodeDim() int {
	return m.InputSteps()*m.NumVars() + graphs.GridStaticFeatureDim
}

// setHyperparameters overrides context hyperparameters from params, consuming the
// keys it recognizes.
func (m *MeshNet) setHyperparameters(params parameters.Params) error {
	var err error
	m.ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil || scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			m.ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int)", key)
				return
			}
			m.ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64)", key)
				return
			}
			m.ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool)", key)
				return
			}
			m.ctx.SetParam(key, value)
		default:
			err = errors.Errorf("hyperparameter %q has unsupported type %T", key, defaultValue)
		}
	})
	return err
}

// buildStaticInputs materializes the static graph tensors fed alongside the dynamic
// grid input on every forward pass.
func (m *MeshNet) buildStaticInputs() {
	g := m.graphs
	m.static = []*tensors.Tensor{
		featureTensor(g.MeshNodeFeatures, graphs.MeshNodeFeatureDim),
		indexTensor(g.Grid2Mesh.Senders),
		indexTensor(g.Grid2Mesh.Receivers),
		featureTensor(g.Grid2Mesh.Features, graphs.EdgeFeatureDim),
		indexTensor(g.MeshEdges.Senders),
		indexTensor(g.MeshEdges.Receivers),
		featureTensor(g.MeshEdges.Features, graphs.EdgeFeatureDim),
		indexTensor(g.Mesh2Grid.Senders),
		indexTensor(g.Mesh2Grid.Receivers),
		featureTensor(g.Mesh2Grid.Features, graphs.EdgeFeatureDim),
		featureTensor(g.Mesh2Grid.Weights, 1),
	}
}

// CreateInputs builds the forward-pass inputs for one batch element: the dynamic
// [NumGridNodes, GridNodeDim] grid features followed by the static graph tensors.
func (m *MeshNet) CreateInputs(gridX []float32) ([]*tensors.Tensor, error) {
	want := m.graphs.NumGridNodes * m.GridNodeDim()
	if len(gridX) != want {
		return nil, errors.Errorf("grid input has %d values, want %d (%d nodes x %d features)",
			len(gridX), want, m.graphs.NumGridNodes, m.GridNodeDim())
	}
	inputs := make([]*tensors.Tensor, 0, len(m.static)+1)
	inputs = append(inputs, featureTensor(gridX, m.GridNodeDim()))
	inputs = append(inputs, m.static...)
	return inputs, nil
}

// ForwardGraph is the GoMLX forward pass: encode, process, decode. It returns the
// normalized state increment shaped [NumGridNodes, num_vars].
//
// The whole pass is a pure function of (inputs, weights): every processor round reads
// only the committed embeddings of the previous round, so the synchronous message
// passing semantics hold by construction, and sum aggregation keeps the result
// independent of edge ordering.
func (m *MeshNet) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	gridX := inputs[0]
	meshX := inputs[1]
	g2mSend, g2mRecv, g2mFeat := inputs[2], inputs[3], inputs[4]
	meshSend, meshRecv, meshEdgeFeat := inputs[5], inputs[6], inputs[7]
	m2gSend, m2gRecv, m2gFeat, m2gWeights := inputs[8], inputs[9], inputs[10], inputs[11]

	latent := m.LatentDim()
	numMesh := m.graphs.NumMeshNodes
	numGrid := m.graphs.NumGridNodes

	// Encoder: embed raw node and edge features, then one grid-to-mesh round.
	gridEmb := mlpBlock(ctx.In("grid_node_embed"), gridX, latent)
	meshEmb := mlpBlock(ctx.In("mesh_node_embed"), meshX, latent)
	g2mEdges := mlpBlock(ctx.In("grid2mesh_edge_embed"), g2mFeat, latent)

	g2mEdges = Add(g2mEdges, mlpBlock(ctx.In("grid2mesh_edge_update"),
		Concatenate([]*Node{g2mEdges, Gather(gridEmb, g2mSend), Gather(meshEmb, g2mRecv)}, -1),
		latent))
	meshAgg := sumByReceiver(g2mEdges, g2mRecv, numMesh, latent)
	meshEmb = Add(meshEmb, mlpBlock(ctx.In("grid2mesh_node_update"),
		Concatenate([]*Node{meshEmb, meshAgg}, -1), latent))
	// The grid embedding is updated too and carried latent to the decoder residual.
	gridEmb = Add(gridEmb, mlpBlock(ctx.In("grid2mesh_grid_update"), gridEmb, latent))

	// Processor: gnn_msg_steps synchronous rounds over the mesh graph, unshared
	// weights per round. Each round updates edges from the previous round's node
	// embeddings, then nodes from the freshly committed edge set.
	meshEdges := mlpBlock(ctx.In("mesh_edge_embed"), meshEdgeFeat, latent)
	for step := range m.NumMessageSteps() {
		stepCtx := ctx.In(fmt.Sprintf("processor_%02d", step))
		newEdges := Add(meshEdges, mlpBlock(stepCtx.In("edge_update"),
			Concatenate([]*Node{meshEdges, Gather(meshEmb, meshSend), Gather(meshEmb, meshRecv)}, -1),
			latent))
		nodeAgg := sumByReceiver(newEdges, meshRecv, numMesh, latent)
		newNodes := Add(meshEmb, mlpBlock(stepCtx.In("node_update"),
			Concatenate([]*Node{meshEmb, nodeAgg}, -1), latent))
		meshEdges, meshEmb = newEdges, newNodes
	}

	// Decoder: one mesh-to-grid round with interpolation-weighted messages, then the
	// regression head to the normalized increment.
	m2gEdges := mlpBlock(ctx.In("mesh2grid_edge_embed"), m2gFeat, latent)
	messages := mlpBlock(ctx.In("mesh2grid_edge_update"),
		Concatenate([]*Node{m2gEdges, Gather(meshEmb, m2gSend), Gather(gridEmb, m2gRecv)}, -1),
		latent)
	messages = Mul(messages, m2gWeights)
	gridAgg := sumByReceiver(messages, m2gRecv, numGrid, latent)
	gridEmb = Add(gridEmb, mlpBlock(ctx.In("mesh2grid_node_update"),
		Concatenate([]*Node{gridEmb, gridAgg}, -1), latent))

	out := fnnLayer.New(ctx.In("output_head"), gridEmb, m.NumVars()).Done()
	out.AssertDims(numGrid, m.NumVars())
	return out
}

// LogHyperparameters enumerates the model's root-scope hyperparameters and their
// current values, for "-config help".
func (m *MeshNet) LogHyperparameters() {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "MeshNet hyperparameters:\n")
	m.ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: value is %v\n", key, value)
	})
	klog.Info(buf)
}

// mlpBlock is one learned update function: an MLP configured by the context
// hyperparameters (hidden layers, width, activation, normalization).
func mlpBlock(ctx *context.Context, x *Node, outputDim int) *Node {
	return fnnLayer.New(ctx, x, outputDim).Done()
}

// sumByReceiver aggregates edge embeddings into their receiver nodes with an
// order-invariant sum.
func sumByReceiver(edges, receivers *Node, numNodes, latent int) *Node {
	g := edges.Graph()
	zeros := Zeros(g, shapes.Make(dtypes.Float32, numNodes, latent))
	return ScatterSum(zeros, receivers, edges, false, false)
}

// indexTensor builds an [n, 1] int32 index tensor, the shape Gather and ScatterSum
// expect for row indices.
func indexTensor(indices []int32) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Int32, len(indices), 1))
	tensors.MutableFlatData(t, func(flat []int32) {
		copy(flat, indices)
	})
	return t
}

// featureTensor builds an [n/dim, dim] float32 tensor from flat row-major data.
func featureTensor(data []float32, dim int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(data)/dim, dim))
	tensors.MutableFlatData(t, func(flat []float32) {
		copy(flat, data)
	})
	return t
}
