// meshcast runs a multi-step weather forecast: it loads the normalization
// statistics and an initial gridded state, builds the static graphs and the GNN
// model, and rolls the model out autoregressively over the requested horizon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/meshcast/meshcast/internal/generics"
	"github.com/meshcast/meshcast/internal/graphs"
	"github.com/meshcast/meshcast/internal/model"
	"github.com/meshcast/meshcast/internal/normalize"
	"github.com/meshcast/meshcast/internal/parameters"
	"github.com/meshcast/meshcast/internal/rollout"
)

var (
	flagConfig = flag.String("config", "",
		"Model and graph configuration string, as comma-separated key=value pairs. "+
			"Use -config help to list the model hyperparameters.")
	flagStats = flag.String("stats", "",
		"Path to the normalization statistics YAML (mean, stddev, diffs_stddev per variable).")
	flagInput = flag.String("input", "",
		"Path to the initial state YAML: per batch element, per time step, per-variable grid fields.")
	flagOutput = flag.String("output", "",
		"Path to write the forecast YAML. If empty, the forecast is discarded after logging.")
	flagCheckpoint = flag.String("checkpoint", "",
		"Directory with the model weights. Loaded if it exists, created otherwise.")
	flagRequireWeights = flag.Bool("require_weights", false,
		"Fail if the checkpoint directory has no trained weights, instead of initializing fresh ones.")
	flagHorizon = flag.Int("horizon", 4, "Number of autoregressive forecast steps.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	params := parameters.NewFromConfigString(*flagConfig)
	if _, helpRequested := params["help"]; helpRequested {
		hyperparametersHelp()
		return
	}
	if *flagStats == "" || *flagInput == "" {
		klog.Exitf("Both -stats and -input are required, see -help.")
	}
	if *flagHorizon <= 0 {
		klog.Exitf("Invalid -horizon=%d, must be > 0.", *flagHorizon)
	}

	// Cancelling (Control+C) aborts the rollout at the next step boundary.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	epsilon := must.M1(parameters.PopParamOr(params, "stats_epsilon", float64(normalize.DefaultEpsilon)))
	stats := must.M1(normalize.Load(*flagStats, float32(epsilon)))
	klog.V(1).Infof("Loaded statistics for %d variables from %s", stats.NumVars(), *flagStats)

	g := must.M1(graphs.Build(graphConfig(params)))
	klog.V(1).Infof("Built graphs: %d mesh nodes, %d grid nodes, %d/%d/%d edges",
		g.NumMeshNodes, g.NumGridNodes,
		g.Grid2Mesh.NumEdges(), g.MeshEdges.NumEdges(), g.Mesh2Grid.NumEdges())

	// The output dimensionality follows the statistics unless explicitly configured.
	if _, configured := params["num_vars"]; !configured {
		params["num_vars"] = strconv.Itoa(stats.NumVars())
	}
	m := must.M1(model.New(g, params))
	if m.NumVars() != stats.NumVars() {
		klog.Exitf("Model num_vars=%d disagrees with the %d variables in %s.",
			m.NumVars(), stats.NumVars(), *flagStats)
	}
	for key := range generics.SortedKeys(params) {
		klog.Exitf("Unknown configuration parameter %q.", key)
	}

	predictor := must.M1(model.NewPredictor(m, *flagCheckpoint, *flagRequireWeights))
	if *flagCheckpoint != "" && !*flagRequireWeights {
		// Persist freshly initialized weights so reruns are reproducible.
		must.M(predictor.Save())
	}
	klog.Infof("Model: %s", predictor)

	batch := must.M1(loadInitialStates(*flagInput, stats, g.NumGridNodes))
	drivers := make([]*rollout.Driver, len(batch))
	for i, initial := range batch {
		drivers[i] = must.M1(rollout.NewDriver(predictor, stats, g.GridStaticFeatures,
			g.NumGridNodes, m.InputSteps(), initial))
	}

	klog.Infof("Forecasting %d steps for %d batch elements", *flagHorizon, len(drivers))
	results := must.M1(rollout.RunBatch(ctx, drivers, *flagHorizon))

	if *flagOutput != "" {
		must.M(writeForecast(*flagOutput, stats, results))
		klog.Infof("Forecast written to %s", *flagOutput)
	}
}

// graphConfig pops the graph-geometry parameters from the configuration, leaving the
// model hyperparameters for model.New.
func graphConfig(params parameters.Params) graphs.Config {
	return graphs.Config{
		MeshSize: must.M1(parameters.PopParamOr(params, "mesh_size", 4)),
		GridLat:  must.M1(parameters.PopParamOr(params, "grid_lat", 32)),
		GridLon:  must.M1(parameters.PopParamOr(params, "grid_lon", 64)),
		RadiusQueryFraction: must.M1(parameters.PopParamOr(
			params, "radius_query_fraction_edge_length", 0.6)),
		Mesh2GridNormalization: must.M1(parameters.PopParamOr(
			params, "mesh2grid_edge_normalization_factor", 1.0)),
	}
}

// hyperparametersHelp builds a throwaway model over a minimal mesh just to
// enumerate the hyperparameter surface.
func hyperparametersHelp() {
	g := must.M1(graphs.Build(graphs.Config{
		MeshSize: 0, GridLat: 2, GridLon: 2,
		RadiusQueryFraction: 0.9, Mesh2GridNormalization: 1.0,
	}))
	m := must.M1(model.New(g, nil))
	m.LogHyperparameters()
}
