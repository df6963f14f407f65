package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/clf-eval/internal/config"
	"github.com/Brownie44l1/clf-eval/internal/evaluator"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "configs/eval.yaml", "Path to YAML config")
	ckpt := flag.String("ckpt", "", "Override infer.pretrained_model")
	dataPath := flag.String("data", "", "Override the eval dataset path")
	batchSize := flag.Int("batch-size", 0, "Override the eval batch size")
	device := flag.String("device", "", "Override context.device_target (CPU or GPU)")
	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		klog.Exitf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(config.Overrides{
		PretrainedModel: *ckpt,
		DataPath:        *dataPath,
		BatchSize:       *batchSize,
		DeviceTarget:    *device,
	})
	if err := cfg.Validate(); err != nil {
		klog.Exitf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	klog.Infof("evaluating %s", cfg.Infer.PretrainedModel)
	result, err := evaluator.Classification(ctx, cfg)
	if err != nil {
		klog.Exitf("eval failed: %v", err)
	}
	fmt.Println(result)
}
