package model

import (
	"fmt"
	"strings"

	"github.com/Brownie44l1/clf-eval/internal/config"
	"gonum.org/v1/gonum/mat"
)

// Dense is a fully connected layer computing x*Wᵀ + b.
type Dense struct {
	Weight *mat.Dense // out x in
	Bias   []float64
	ReLU   bool
}

// MLP is the network built for parameter-only checkpoints. Inputs are
// flattened before the first layer.
type MLP struct {
	Layers []*Dense
}

// Build constructs a zero-initialized network from the model section.
func Build(cfg config.Model) (*MLP, error) {
	switch strings.ToUpper(cfg.Type) {
	case "MLP", "":
	default:
		return nil, fmt.Errorf("unsupported model type %q", cfg.Type)
	}
	if cfg.InFeatures <= 0 {
		return nil, fmt.Errorf("model.in_features must be > 0 (got %d)", cfg.InFeatures)
	}
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("model.num_classes must be > 0 (got %d)", cfg.NumClasses)
	}
	dims := append([]int{cfg.InFeatures}, cfg.Hidden...)
	dims = append(dims, cfg.NumClasses)

	net := &MLP{}
	for i := 0; i+1 < len(dims); i++ {
		in, out := dims[i], dims[i+1]
		if out <= 0 {
			return nil, fmt.Errorf("model.hidden[%d] must be > 0 (got %d)", i, out)
		}
		net.Layers = append(net.Layers, &Dense{
			Weight: mat.NewDense(out, in, nil),
			Bias:   make([]float64, out),
			ReLU:   i+2 < len(dims),
		})
	}
	return net, nil
}

// InFeatures is the flattened sample size the first layer expects.
func (m *MLP) InFeatures() int {
	_, in := m.Layers[0].Weight.Dims()
	return in
}

func (m *MLP) NumClasses() int {
	out, _ := m.Layers[len(m.Layers)-1].Weight.Dims()
	return out
}

// Forward computes logits for every sample in b.
func (m *MLP) Forward(b Batch) ([][]float32, error) {
	if b.Len() == 0 {
		return nil, nil
	}
	in := m.InFeatures()
	x := mat.NewDense(b.Len(), in, nil)
	for i, sample := range b.Inputs {
		if len(sample) != in {
			return nil, fmt.Errorf("expected %d values per sample, got %d", in, len(sample))
		}
		row := x.RawRowView(i)
		for j, v := range sample {
			row[j] = float64(v)
		}
	}

	for _, layer := range m.Layers {
		out, _ := layer.Weight.Dims()
		var y mat.Dense
		y.Mul(x, layer.Weight.T())
		for i := 0; i < b.Len(); i++ {
			row := y.RawRowView(i)
			for j := 0; j < out; j++ {
				row[j] += layer.Bias[j]
				if layer.ReLU && row[j] < 0 {
					row[j] = 0
				}
			}
		}
		x = &y
	}

	logits := make([][]float32, b.Len())
	for i := range logits {
		row := x.RawRowView(i)
		logits[i] = make([]float32, len(row))
		for j, v := range row {
			logits[i][j] = float32(v)
		}
	}
	return logits, nil
}

func (m *MLP) Close() {}

// parameters maps checkpoint names onto the layers' backing storage.
func (m *MLP) parameters() map[string]param {
	params := make(map[string]param, 2*len(m.Layers))
	for i, layer := range m.Layers {
		out, in := layer.Weight.Dims()
		params[fmt.Sprintf("layers.%d.weight", i)] = param{shape: []int{out, in}, data: layer.Weight.RawMatrix().Data}
		params[fmt.Sprintf("layers.%d.bias", i)] = param{shape: []int{out}, data: layer.Bias}
	}
	return params
}

type param struct {
	shape []int
	data  []float64
}
