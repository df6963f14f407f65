package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/Brownie44l1/clf-eval/internal/config"
	"github.com/Brownie44l1/clf-eval/internal/model"
	"github.com/Brownie44l1/clf-eval/internal/transforms"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrEmptyDataset is returned by CheckSize when there is nothing to evaluate.
var ErrEmptyDataset = errors.New("dataset: size must be greater than 0")

// Sample is one labelled image, either on disk (Path) or in memory (Raw).
type Sample struct {
	Key   string
	Path  string
	Raw   []byte
	Label int
}

// Dataset is an unrealized sample listing. Set Transform before Run.
type Dataset struct {
	Transform transforms.Pipeline
	Classes   []string

	cfg     config.Dataset
	samples []Sample
}

// Build lists the samples described by cfg without decoding them.
func Build(ctx context.Context, cfg config.Dataset) (*Dataset, error) {
	ds := &Dataset{cfg: cfg}
	switch strings.ToLower(cfg.Type) {
	case "imagefolder", "":
		samples, classes, err := DiscoverImageFolder(cfg.Path, cfg.Extensions)
		if err != nil {
			return nil, err
		}
		ds.samples, ds.Classes = samples, classes
	case "webdataset":
		shards, err := DiscoverShards(cfg.Path)
		if err != nil {
			return nil, err
		}
		for _, shard := range shards {
			samples, err := ReadShard(ctx, shard, 0)
			if err != nil {
				return nil, err
			}
			ds.samples = append(ds.samples, samples...)
		}
		klog.V(1).Infof("root=%s shards=%d", cfg.Path, len(shards))
	default:
		return nil, fmt.Errorf("unknown dataset type %q", cfg.Type)
	}
	klog.Infof("dataset %s: %d samples under %s", cfg.Type, len(ds.samples), cfg.Path)
	return ds, nil
}

// FromSamples wraps an in-memory listing.
func FromSamples(cfg config.Dataset, samples []Sample) *Dataset {
	return &Dataset{cfg: cfg, samples: samples}
}

// Len returns the number of listed samples.
func (d *Dataset) Len() int {
	return len(d.samples)
}

// Run selects, orders, transforms and batches the samples.
func (d *Dataset) Run(ctx context.Context) (*EvalDataset, error) {
	samples := append([]Sample(nil), d.samples...)
	if d.cfg.Shuffle {
		rng := rand.New(rand.NewSource(d.cfg.Seed))
		rng.Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })
	}
	if d.cfg.NumSamples > 0 && d.cfg.NumSamples < len(samples) {
		samples = samples[:d.cfg.NumSamples]
	}

	inputs := make([][]float32, len(samples))
	workers := max(d.cfg.NumParallelWorkers, 1)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range samples {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			data, err := d.realize(samples[i])
			if err != nil {
				return fmt.Errorf("sample %s: %w", samples[i].Key, err)
			}
			inputs[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batchSize := max(d.cfg.BatchSize, 1)
	eval := &EvalDataset{numSamples: len(samples)}
	for start := 0; start < len(samples); start += batchSize {
		end := min(start+batchSize, len(samples))
		b := model.Batch{Inputs: inputs[start:end], Labels: make([]int, 0, end-start)}
		for _, s := range samples[start:end] {
			b.Labels = append(b.Labels, s.Label)
		}
		eval.batches = append(eval.batches, b)
	}
	return eval, nil
}

func (d *Dataset) realize(s Sample) ([]float32, error) {
	raw := s.Raw
	if raw == nil {
		var err error
		raw, err = os.ReadFile(s.Path)
		if err != nil {
			return nil, err
		}
	}
	f := &transforms.Frame{Raw: raw}
	if err := d.Transform.Apply(f); err != nil {
		return nil, err
	}
	return f.Data, nil
}

// EvalDataset is a realized dataset ready for evaluation.
type EvalDataset struct {
	batches    []model.Batch
	numSamples int
}

// Size is the number of batches.
func (e *EvalDataset) Size() int {
	return len(e.batches)
}

func (e *EvalDataset) NumSamples() int {
	return e.numSamples
}

func (e *EvalDataset) Batches() []model.Batch {
	return e.batches
}

// CheckSize fails unless size is strictly positive.
func CheckSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w (got %d)", ErrEmptyDataset, size)
	}
	return nil
}
