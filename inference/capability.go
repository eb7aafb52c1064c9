// Package inference owns the loaded model and marshals predict calls between
// the engine's linear memory and the inference capability.
package inference

import "context"

// Input tensor identifiers expected by the graph.
const (
	InputSpatial = "swa_model/bin_inputs"
	InputGlobal  = "swa_model/global_inputs"
)

// Output identifiers a capability may attach to result tensors. Tensors that
// carry one of these names are routed by name instead of by size.
const (
	OutputValue     = "swa_model/value"
	OutputMisc      = "swa_model/miscvalues"
	OutputOwnership = "swa_model/ownership"
	OutputPolicy    = "swa_model/policy"
)

// Input is a float32 tensor handed to Graph.Execute. Data may alias the
// engine's memory and must not be retained past Execute.
type Input struct {
	Data  []float32
	Shape []int
}

// Tensor is one result of Graph.Execute.
type Tensor interface {
	Size() int
	Data() ([]float32, error)
}

// NamedTensor is implemented by tensors that know which output they are.
type NamedTensor interface {
	Tensor
	Name() string
}

// Graph is a loaded, executable model.
type Graph interface {
	Execute(ctx context.Context, inputs map[string]Input) ([]Tensor, error)
	Dispose()
}

// Runtime loads graphs from a model location.
type Runtime interface {
	LoadGraph(ctx context.Context, path string) (Graph, error)
}

// Metadata is the content of a model's metadata.json.
type Metadata struct {
	Name    string `json:"name,omitempty"`
	Version int    `json:"version"`
}

// MetadataSource fetches model metadata.
type MetadataSource interface {
	FetchMetadata(ctx context.Context, path string) (Metadata, error)
}

// Dense is an in-memory Tensor.
type Dense struct {
	ID     string
	Values []float32
}

func (d *Dense) Size() int { return len(d.Values) }

func (d *Dense) Data() ([]float32, error) { return d.Values, nil }

func (d *Dense) Name() string { return d.ID }
