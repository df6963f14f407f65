package evaluator

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/clf-eval/internal/config"
	"github.com/Brownie44l1/clf-eval/internal/dataset"
	"github.com/Brownie44l1/clf-eval/internal/loss"
	"github.com/Brownie44l1/clf-eval/internal/metrics"
	"github.com/Brownie44l1/clf-eval/internal/model"
	"github.com/Brownie44l1/clf-eval/internal/runtime"
	"github.com/Brownie44l1/clf-eval/internal/transforms"
	"k8s.io/klog/v2"
)

// Classification evaluates the configured checkpoint against the eval
// dataset and returns Top-1 and Top-5 accuracy.
func Classification(ctx context.Context, cfg *config.Config) (Result, error) {
	rt, err := runtime.Apply(cfg.Context)
	if err != nil {
		return nil, fmt.Errorf("apply context: %w", err)
	}
	defer rt.Close()

	evalCfg := cfg.DataLoader.Eval
	pipeline, err := transforms.Build(evalCfg.Map.Operations)
	if err != nil {
		return nil, fmt.Errorf("build transforms: %w", err)
	}
	ds, err := dataset.Build(ctx, evalCfg.Dataset)
	if err != nil {
		return nil, fmt.Errorf("build dataset: %w", err)
	}
	ds.Transform = pipeline
	evalSet, err := ds.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("realize dataset: %w", err)
	}
	if err := dataset.CheckSize(evalSet.Size()); err != nil {
		return nil, err
	}

	netLoss, err := loss.Build(cfg.Loss)
	if err != nil {
		return nil, fmt.Errorf("build loss: %w", err)
	}

	ckptPath := cfg.Infer.PretrainedModel
	var net *model.MLP
	if model.IsParamCheckpoint(ckptPath) {
		net, err = model.Build(cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("build model: %w", err)
		}
	}
	network, err := model.Load(ckptPath, net, rt, cfg.Infer.Metadata)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	defer network.Close()

	klog.Infof("evaluating %d samples in %d batches", evalSet.NumSamples(), evalSet.Size())
	return New(network, netLoss, metrics.Default()).Eval(ctx, evalSet)
}
