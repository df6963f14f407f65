package evaluator

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Brownie44l1/clf-eval/internal/config"
	"github.com/Brownie44l1/clf-eval/internal/dataset"
	"github.com/Brownie44l1/clf-eval/internal/loss"
	"github.com/Brownie44l1/clf-eval/internal/metrics"
	"github.com/Brownie44l1/clf-eval/internal/model"
)

// echoNet returns each sample's input as its logits.
type echoNet struct{ closed bool }

func (*echoNet) Forward(b model.Batch) ([][]float32, error) { return b.Inputs, nil }

func (*echoNet) NumClasses() int { return 0 }

func (n *echoNet) Close() { n.closed = true }

type batches []model.Batch

func (b batches) Size() int { return len(b) }

func (b batches) Batches() []model.Batch { return b }

func TestModelEval(t *testing.T) {
	src := batches{
		{Inputs: [][]float32{{0.9, 0.1, 0, 0, 0, 0}, {0.1, 0.2, 0.3, 0.4, 0.5, 0.6}}, Labels: []int{0, 0}},
		{Inputs: [][]float32{{0.5, 0.4, 0.3, 0.2, 1, 0.6}}, Labels: []int{5}},
	}
	l, _ := loss.Build(config.Loss{Sparse: true})
	result, err := New(&echoNet{}, l, metrics.Default()).Eval(context.Background(), src)
	if err != nil {
		t.Fatalf("Eval error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected exactly two metrics, got %v", result)
	}
	// sample 1 ranks label 0 last of 6; sample 2 ranks label 5 second
	if got := result[metrics.Top1Name]; got < 0.333 || got > 0.334 {
		t.Fatalf("top-1 %.4f want 1/3", got)
	}
	if got := result[metrics.Top5Name]; got < 0.666 || got > 0.667 {
		t.Fatalf("top-5 %.4f want 2/3", got)
	}
}

func TestModelEvalCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := batches{{Inputs: [][]float32{{1}}, Labels: []int{0}}}
	if _, err := New(&echoNet{}, nil, metrics.Default()).Eval(ctx, src); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestModelEvalNoSamples(t *testing.T) {
	if _, err := New(&echoNet{}, nil, metrics.Default()).Eval(context.Background(), batches{}); !errors.Is(err, metrics.ErrNoSamples) {
		t.Fatalf("expected ErrNoSamples, got %v", err)
	}
}

func TestResultString(t *testing.T) {
	r := Result{metrics.Top5Name: 1, metrics.Top1Name: 0.5}
	want := "{'Top_1_Accuracy': 0.500000, 'Top_5_Accuracy': 1.000000}"
	if r.String() != want {
		t.Fatalf("got %s want %s", r.String(), want)
	}
}

func writeGray(t *testing.T, path string, v uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// fixture lays out a two-class dark/bright dataset and a checkpoint that
// separates them.
func fixture(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "val")
	writeGray(t, filepath.Join(data, "dark", "0.png"), 20)
	writeGray(t, filepath.Join(data, "dark", "1.png"), 30)
	writeGray(t, filepath.Join(data, "bright", "0.png"), 230)

	modelCfg := config.Model{Type: "MLP", InFeatures: 4, NumClasses: 2}
	net, err := model.Build(modelCfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// classes sort as [bright, dark]
	net.Layers[0].Weight.SetRow(0, []float64{1, 1, 1, 1})
	net.Layers[0].Weight.SetRow(1, []float64{-1, -1, -1, -1})
	net.Layers[0].Bias[1] = 2
	ckpt := filepath.Join(dir, "net.ckpt")
	if err := model.SaveCheckpoint(ckpt, net); err != nil {
		t.Fatalf("save: %v", err)
	}

	return &config.Config{
		Context: config.Context{DeviceTarget: "CPU", Mode: "graph"},
		DataLoader: config.DataLoader{Eval: config.Pipeline{
			Dataset: config.Dataset{Type: "ImageFolder", Path: data, BatchSize: 2, NumParallelWorkers: 2},
			Map: config.Map{Operations: []config.Operation{
				{Type: "Decode"}, {Type: "Grayscale"}, {Type: "ToTensor"},
			}},
		}},
		Loss:  config.Loss{Type: "SoftmaxCrossEntropyWithLogits", Sparse: true},
		Infer: config.Infer{PretrainedModel: ckpt},
		Model: modelCfg,
	}
}

func TestClassification(t *testing.T) {
	cfg := fixture(t)
	result, err := Classification(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Classification error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected exactly two metrics, got %v", result)
	}
	if result[metrics.Top1Name] != 1 || result[metrics.Top5Name] != 1 {
		t.Fatalf("unexpected result %v", result)
	}
}

func TestClassificationEmptyDataset(t *testing.T) {
	cfg := fixture(t)
	cfg.DataLoader.Eval.Dataset.Path = t.TempDir()
	if _, err := Classification(context.Background(), cfg); !errors.Is(err, dataset.ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
}

func TestClassificationSkipsBuildForSerializedModel(t *testing.T) {
	cfg := fixture(t)
	// An unbuildable model section proves construction is skipped.
	cfg.Model = config.Model{Type: "ResNet"}
	cfg.Infer.PretrainedModel = filepath.Join(t.TempDir(), "net.onnx")
	_, err := Classification(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "metadata") {
		t.Fatalf("expected metadata error from serialized model load, got %v", err)
	}

	cfg.Infer.PretrainedModel = filepath.Join(t.TempDir(), "net.ckpt")
	_, err = Classification(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "build model") {
		t.Fatalf("expected build model error for .ckpt, got %v", err)
	}
}
