package refgraph

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/wippyai/nnbridge/backend"
	"github.com/wippyai/nnbridge/errors"
	"github.com/wippyai/nnbridge/inference"
)

// Graph is a loaded dense-head model.
type Graph struct {
	m      atomic.Pointer[model]
	engine *Engine
}

var _ inference.Graph = (*Graph)(nil)

// Name returns the location the graph was loaded from.
func (g *Graph) Name() string {
	if m := g.m.Load(); m != nil {
		return m.name
	}
	return ""
}

// Dispose releases the weights. Execute fails afterwards.
func (g *Graph) Dispose() {
	if m := g.m.Swap(nil); m != nil {
		Logger().Debug("graph disposed")
	}
}

// Execute evaluates every head on the given inputs.
func (g *Graph) Execute(ctx context.Context, inputs map[string]inference.Input) ([]inference.Tensor, error) {
	m := g.m.Load()
	if m == nil {
		return nil, errors.Closed("graph")
	}

	spatial, ok := inputs[inference.InputSpatial]
	if !ok {
		return nil, errors.NotFound(errors.PhaseInference, "input", inference.InputSpatial)
	}
	global, ok := inputs[inference.InputGlobal]
	if !ok {
		return nil, errors.NotFound(errors.PhaseInference, "input", inference.InputGlobal)
	}
	batch, cells, err := m.checkInputs(spatial, global)
	if err != nil {
		return nil, err
	}

	feats := m.featureRows(spatial.Data, global.Data, batch, cells)
	outs := make([][]float32, len(m.heads))

	if g.engine.Active() == backend.Compiled {
		eg, gctx := errgroup.WithContext(ctx)
		for i := range m.heads {
			i := i
			eg.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				outs[i] = m.heads[i].eval(spatial.Data, feats, batch, cells, m.inputChannels)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, errors.Execution("evaluate heads", err)
		}
	} else {
		for i := range m.heads {
			if err := ctx.Err(); err != nil {
				return nil, errors.Execution("evaluate heads", err)
			}
			outs[i] = m.heads[i].eval(spatial.Data, feats, batch, cells, m.inputChannels)
		}
	}

	tensors := make([]inference.Tensor, len(outs))
	for i, o := range outs {
		tensors[i] = &inference.Dense{ID: m.heads[i].spec.Name, Values: o}
	}
	return tensors, nil
}

func (m *model) checkInputs(spatial, global inference.Input) (batch, cells int, err error) {
	if len(spatial.Shape) != 3 || spatial.Shape[2] != m.inputChannels {
		return 0, 0, errors.InvalidInput(errors.PhaseInference,
			fmt.Sprintf("spatial input shape %v, want [batch cells %d]", spatial.Shape, m.inputChannels))
	}
	batch, cells = spatial.Shape[0], spatial.Shape[1]
	if batch <= 0 || cells <= 0 {
		return 0, 0, errors.InvalidInput(errors.PhaseInference, fmt.Sprintf("spatial input shape %v", spatial.Shape))
	}
	if len(global.Shape) != 2 || global.Shape[0] != batch || global.Shape[1] != m.globalChannels {
		return 0, 0, errors.InvalidInput(errors.PhaseInference,
			fmt.Sprintf("global input shape %v, want [%d %d]", global.Shape, batch, m.globalChannels))
	}
	if len(spatial.Data) != batch*cells*m.inputChannels || len(global.Data) != batch*m.globalChannels {
		return 0, 0, errors.InvalidInput(errors.PhaseInference, "input data does not match its shape")
	}
	return batch, cells, nil
}

// featureRows builds one vector per batch row: per-channel means over the
// board followed by the global inputs.
func (m *model) featureRows(spatial, global []float32, batch, cells int) [][]float32 {
	c, gc := m.inputChannels, m.globalChannels
	rows := make([][]float32, batch)
	for r := range rows {
		row := make([]float32, c+gc)
		base := r * cells * c
		for cell := 0; cell < cells; cell++ {
			for ch := 0; ch < c; ch++ {
				row[ch] += spatial[base+cell*c+ch]
			}
		}
		for ch := 0; ch < c; ch++ {
			row[ch] /= float32(cells)
		}
		copy(row[c:], global[r*gc:(r+1)*gc])
		rows[r] = row
	}
	return rows
}

func (h *head) eval(spatial []float32, feats [][]float32, batch, cells, c int) []float32 {
	k := h.channels
	switch h.spec.Kind {
	case KindGlobal:
		out := make([]float32, 0, batch*k)
		for r := 0; r < batch; r++ {
			v := dense(feats[r], h.w.data, h.b.data, k)
			activate(h.spec.Activation, v)
			out = append(out, v...)
		}
		return out
	default:
		width := cells
		if h.spec.Kind == KindPolicy {
			width = cells + 1
		}
		out := make([]float32, batch*k*width)
		for r := 0; r < batch; r++ {
			base := r * cells * c
			for kk := 0; kk < k; kk++ {
				plane := out[(r*k+kk)*width : (r*k+kk+1)*width]
				for cell := 0; cell < cells; cell++ {
					sum := h.b.data[kk]
					x := spatial[base+cell*c : base+(cell+1)*c]
					for ch, xv := range x {
						sum += xv * h.w.data[ch*k+kk]
					}
					plane[cell] = sum
				}
				if h.spec.Kind == KindPolicy {
					sum := h.pb.data[kk]
					for f, fv := range feats[r] {
						sum += fv * h.pw.data[f*k+kk]
					}
					plane[cells] = sum
				}
				activate(h.spec.Activation, plane)
			}
		}
		return out
	}
}

// dense computes x·W + b for W stored row-major as [len(x), k].
func dense(x, w, b []float32, k int) []float32 {
	out := make([]float32, k)
	copy(out, b)
	for i, xv := range x {
		row := w[i*k : (i+1)*k]
		for j, wv := range row {
			out[j] += xv * wv
		}
	}
	return out
}

func activate(kind string, v []float32) {
	switch kind {
	case Tanh:
		for i, x := range v {
			v[i] = float32(math.Tanh(float64(x)))
		}
	case Softmax:
		maxV := float32(math.Inf(-1))
		for _, x := range v {
			if x > maxV {
				maxV = x
			}
		}
		var sum float64
		for i, x := range v {
			e := math.Exp(float64(x - maxV))
			v[i] = float32(e)
			sum += e
		}
		for i := range v {
			v[i] = float32(float64(v[i]) / sum)
		}
	}
}
