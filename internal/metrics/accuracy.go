package metrics

import (
	"errors"
	"fmt"
)

const (
	Top1Name = "Top_1_Accuracy"
	Top5Name = "Top_5_Accuracy"
)

// ErrNoSamples is returned by Eval before any sample was seen.
var ErrNoSamples = errors.New("metrics: top-k accuracy needs at least one sample")

// Metric accumulates predictions across batches.
type Metric interface {
	Clear()
	Update(logits [][]float32, labels []int) error
	Eval() (float64, error)
}

// Named pairs a metric with the name it is reported under.
type Named struct {
	Name   string
	Metric Metric
}

// Default returns the two metrics every evaluation reports.
func Default() []Named {
	return []Named{
		{Name: Top1Name, Metric: NewTopK(1)},
		{Name: Top5Name, Metric: NewTopK(5)},
	}
}

// TopKAccuracy counts a sample as correct when its label is among the K
// highest logits. Equal logits rank by lower class index.
type TopKAccuracy struct {
	K       int
	correct int
	total   int
}

func NewTopK(k int) *TopKAccuracy {
	return &TopKAccuracy{K: k}
}

func (m *TopKAccuracy) Clear() {
	m.correct = 0
	m.total = 0
}

// Update folds one batch into the running counts.
func (m *TopKAccuracy) Update(logits [][]float32, labels []int) error {
	if len(logits) != len(labels) {
		return fmt.Errorf("metrics: %d predictions for %d labels", len(logits), len(labels))
	}
	for i, row := range logits {
		label := labels[i]
		if label < 0 || label >= len(row) {
			return fmt.Errorf("metrics: label %d outside %d classes", label, len(row))
		}
		if rank(row, label) < m.K {
			m.correct++
		}
		m.total++
	}
	return nil
}

// Eval returns the fraction of correct samples seen so far.
func (m *TopKAccuracy) Eval() (float64, error) {
	if m.total == 0 {
		return 0, ErrNoSamples
	}
	return float64(m.correct) / float64(m.total), nil
}

// rank is the number of classes ordered ahead of idx.
func rank(row []float32, idx int) int {
	target := row[idx]
	r := 0
	for j, v := range row {
		if v > target || (v == target && j < idx) {
			r++
		}
	}
	return r
}
