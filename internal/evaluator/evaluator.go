package evaluator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Brownie44l1/clf-eval/internal/loss"
	"github.com/Brownie44l1/clf-eval/internal/metrics"
	"github.com/Brownie44l1/clf-eval/internal/model"
	"k8s.io/klog/v2"
)

// Source yields the batches of a realized dataset.
type Source interface {
	Size() int
	Batches() []model.Batch
}

// Result maps metric names to their final value.
type Result map[string]float64

// String prints the metrics in name order.
func (r Result) String() string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("'%s': %.6f", name, r[name])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Model composes a network with a loss and the metrics it reports.
type Model struct {
	Network  model.Network
	Loss     loss.Loss
	Metrics  []metrics.Named
	LogEvery int
}

func New(net model.Network, l loss.Loss, m []metrics.Named) *Model {
	return &Model{Network: net, Loss: l, Metrics: m, LogEvery: 50}
}

// Eval runs every batch through the network once and returns the metric
// values. Cancellation is checked between batches.
func (m *Model) Eval(ctx context.Context, src Source) (Result, error) {
	for _, nm := range m.Metrics {
		nm.Metric.Clear()
	}

	var lossSum float64
	var lossBatches int
	for step, batch := range src.Batches() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits, err := m.Network.Forward(batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", step, err)
		}
		if m.Loss != nil {
			l, err := m.Loss.Compute(logits, batch.Labels)
			if err != nil {
				return nil, fmt.Errorf("batch %d: %w", step, err)
			}
			lossSum += l
			lossBatches++
		}
		for _, nm := range m.Metrics {
			if err := nm.Metric.Update(logits, batch.Labels); err != nil {
				return nil, fmt.Errorf("batch %d: %s: %w", step, nm.Name, err)
			}
		}
		if m.LogEvery > 0 && (step+1)%m.LogEvery == 0 {
			klog.Infof("step=%d/%d", step+1, src.Size())
		}
	}
	if lossBatches > 0 {
		klog.Infof("eval loss (%s): %.6f", m.Loss.Name(), lossSum/float64(lossBatches))
	}

	result := make(Result, len(m.Metrics))
	for _, nm := range m.Metrics {
		v, err := nm.Metric.Eval()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", nm.Name, err)
		}
		result[nm.Name] = v
	}
	return result, nil
}
