package loss

import (
	"fmt"
	"strings"

	"github.com/Brownie44l1/clf-eval/internal/config"
	"gonum.org/v1/gonum/floats"
)

// Loss scores a batch of logits against integer labels.
type Loss interface {
	Name() string
	Compute(logits [][]float32, labels []int) (float64, error)
}

type reduction int

const (
	reduceMean reduction = iota
	reduceSum
	reduceNone
)

// Build returns the loss named by cfg.
func Build(cfg config.Loss) (Loss, error) {
	var red reduction
	switch strings.ToLower(cfg.Reduction) {
	case "", "mean":
		red = reduceMean
	case "sum":
		red = reduceSum
	case "none":
		red = reduceNone
	default:
		return nil, fmt.Errorf("unknown loss reduction %q", cfg.Reduction)
	}
	if cfg.LabelSmoothing < 0 || cfg.LabelSmoothing >= 1 {
		return nil, fmt.Errorf("label_smoothing must be in [0,1) (got %v)", cfg.LabelSmoothing)
	}

	switch cfg.Type {
	case "SoftmaxCrossEntropyWithLogits", "CrossEntropyLoss", "":
		// Labels are class indices, so dense one-hot targets cannot be scored.
		if !cfg.Sparse {
			return nil, fmt.Errorf("loss %q: only sparse integer labels are supported, set sparse: true", cfg.Type)
		}
		return &SoftmaxCrossEntropy{Smoothing: cfg.LabelSmoothing, reduction: red}, nil
	case "NLLLoss":
		return &NLL{reduction: red}, nil
	}
	return nil, fmt.Errorf("unknown loss type %q", cfg.Type)
}

// SoftmaxCrossEntropy applies log-softmax to the logits then takes the
// cross entropy against the (optionally smoothed) one-hot label.
type SoftmaxCrossEntropy struct {
	Smoothing float64
	reduction reduction
}

func (*SoftmaxCrossEntropy) Name() string { return "SoftmaxCrossEntropyWithLogits" }

func (l *SoftmaxCrossEntropy) Compute(logits [][]float32, labels []int) (float64, error) {
	return reduce(logits, labels, l.reduction, func(row []float32, label int) float64 {
		lsm := logSoftmax(row)
		nll := -lsm[label]
		if l.Smoothing == 0 {
			return nll
		}
		var uniform float64
		for _, v := range lsm {
			uniform -= v
		}
		uniform /= float64(len(lsm))
		return (1-l.Smoothing)*nll + l.Smoothing*uniform
	})
}

// NLL expects log-probabilities and returns the negative entry at the label.
type NLL struct {
	reduction reduction
}

func (*NLL) Name() string { return "NLLLoss" }

func (l *NLL) Compute(logits [][]float32, labels []int) (float64, error) {
	return reduce(logits, labels, l.reduction, func(row []float32, label int) float64 {
		return -float64(row[label])
	})
}

// reduce sums per-sample losses. The "none" reduction still reports the
// mean since only a scalar is logged.
func reduce(logits [][]float32, labels []int, red reduction, sample func([]float32, int) float64) (float64, error) {
	if len(logits) != len(labels) {
		return 0, fmt.Errorf("loss: %d predictions for %d labels", len(logits), len(labels))
	}
	if len(logits) == 0 {
		return 0, nil
	}
	var total float64
	for i, row := range logits {
		if labels[i] < 0 || labels[i] >= len(row) {
			return 0, fmt.Errorf("loss: label %d outside %d classes", labels[i], len(row))
		}
		total += sample(row, labels[i])
	}
	if red == reduceSum {
		return total, nil
	}
	return total / float64(len(logits)), nil
}

func logSoftmax(row []float32) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = float64(v)
	}
	floats.AddConst(-floats.LogSumExp(out), out)
	return out
}
