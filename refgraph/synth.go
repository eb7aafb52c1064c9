package refgraph

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/wippyai/nnbridge/inference"
	"github.com/wippyai/nnbridge/repository"
)

const shardFile = "group1-shard1of1.bin"

// Synthetic builds a deterministic reference model with the four outputs
// predict expects for the given format version. Weights come from a fixed
// pseudo-random sequence, so every call returns the same model.
func Synthetic(version int) (Manifest, map[string][]float32) {
	desc, ok := inference.DescribeVersion(version)
	if !ok {
		desc, _ = inference.DescribeVersion(inference.DefaultVersion)
	}
	c, g := desc.InputChannels, desc.GlobalChannels
	f := c + g

	man := Manifest{
		Format:         Format,
		InputChannels:  c,
		GlobalChannels: g,
		Heads: []HeadSpec{
			{Name: inference.OutputValue, Kind: KindGlobal, Weights: "value/w", Bias: "value/b", Activation: Softmax},
			{Name: inference.OutputMisc, Kind: KindGlobal, Weights: "misc/w", Bias: "misc/b", Activation: Linear},
			{Name: inference.OutputOwnership, Kind: KindSpatial, Weights: "ownership/w", Bias: "ownership/b", Activation: Tanh},
			{Name: inference.OutputPolicy, Kind: KindPolicy, Weights: "policy/w", Bias: "policy/b",
				PassWeights: "policy/pass_w", PassBias: "policy/pass_b", Activation: Softmax},
		},
	}

	shapes := []WeightSpec{
		{Name: "value/w", Shape: []int{f, 3}},
		{Name: "value/b", Shape: []int{3}},
		{Name: "misc/w", Shape: []int{f, inference.AuxCount(version)}},
		{Name: "misc/b", Shape: []int{inference.AuxCount(version)}},
		{Name: "ownership/w", Shape: []int{c, 1}},
		{Name: "ownership/b", Shape: []int{1}},
		{Name: "policy/w", Shape: []int{c, 2}},
		{Name: "policy/b", Shape: []int{2}},
		{Name: "policy/pass_w", Shape: []int{f, 2}},
		{Name: "policy/pass_b", Shape: []int{2}},
	}

	seed := uint32(2463534242)
	weights := make(map[string][]float32, len(shapes))
	for i := range shapes {
		shapes[i].DType = "float32"
		n := 1
		for _, d := range shapes[i].Shape {
			n *= d
		}
		vals := make([]float32, n)
		for j := range vals {
			seed ^= seed << 13
			seed ^= seed >> 17
			seed ^= seed << 5
			vals[j] = float32(seed%2001)/1000 - 1
		}
		weights[shapes[i].Name] = vals
	}
	man.WeightsManifest = []WeightGroup{{Paths: []string{shardFile}, Weights: shapes}}
	return man, weights
}

// WriteModel writes model.json, a single weight shard and metadata.json
// into dir. Weights are packed in manifest order.
func WriteModel(dir string, man Manifest, weights map[string][]float32, md inference.Metadata) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}

	man.WeightsManifest = append([]WeightGroup(nil), man.WeightsManifest...)
	var blob []byte
	for gi, group := range man.WeightsManifest {
		for _, ws := range group.Weights {
			vals, ok := weights[ws.Name]
			if !ok {
				return fmt.Errorf("no values for weight %q", ws.Name)
			}
			for _, v := range vals {
				blob = binary.LittleEndian.AppendUint32(blob, math.Float32bits(v))
			}
		}
		man.WeightsManifest[gi].Paths = []string{fmt.Sprintf("group%d-shard1of1.bin", gi+1)}
		if err := os.WriteFile(filepath.Join(dir, man.WeightsManifest[gi].Paths[0]), blob, 0o644); err != nil {
			return fmt.Errorf("writing weight shard: %w", err)
		}
		blob = blob[:0]
	}

	files := map[string]any{
		repository.ModelFile:    man,
		repository.MetadataFile: md,
	}
	for name, v := range files {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}
