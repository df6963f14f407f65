package dataset

import (
	"archive/tar"
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
	"github.com/Brownie44l1/clf-eval/internal/transforms"
)

func pngBytes(t *testing.T, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func grayPipeline(t *testing.T) transforms.Pipeline {
	t.Helper()
	p, err := transforms.Build([]config.Operation{{Type: "Decode"}, {Type: "Grayscale"}, {Type: "ToTensor"}})
	if err != nil {
		t.Fatalf("build transforms: %v", err)
	}
	return p
}

func TestImageFolder(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "dog", "b.png"), pngBytes(t, 10))
	mustWrite(t, filepath.Join(dir, "cat", "a.png"), pngBytes(t, 20))
	mustWrite(t, filepath.Join(dir, "cat", "nested", "c.png"), pngBytes(t, 30))
	mustWrite(t, filepath.Join(dir, "cat", "notes.txt"), []byte("skip"))
	mustWrite(t, filepath.Join(dir, "README.md"), []byte("skip"))

	ds, err := Build(context.Background(), config.Dataset{Type: "ImageFolder", Path: dir, BatchSize: 2, NumParallelWorkers: 2})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if len(ds.Classes) != 2 || ds.Classes[0] != "cat" || ds.Classes[1] != "dog" {
		t.Fatalf("unexpected classes %v", ds.Classes)
	}
	if ds.Len() != 3 {
		t.Fatalf("expected 3 samples, got %d", ds.Len())
	}

	ds.Transform = grayPipeline(t)
	eval, err := ds.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if eval.Size() != 2 || eval.NumSamples() != 3 {
		t.Fatalf("expected 2 batches / 3 samples, got %d / %d", eval.Size(), eval.NumSamples())
	}
	batches := eval.Batches()
	if batches[0].Len() != 2 || batches[1].Len() != 1 {
		t.Fatalf("unexpected batch sizes %d, %d", batches[0].Len(), batches[1].Len())
	}
	if batches[0].Labels[0] != 0 || batches[1].Labels[0] != 1 {
		t.Fatalf("unexpected labels %v %v", batches[0].Labels, batches[1].Labels)
	}
	if got := batches[0].Inputs[0][0]; got != float32(20)/255 {
		t.Fatalf("first sample value %v, want cat/a.png", got)
	}
}

func TestRunShuffleAndLimit(t *testing.T) {
	var samples []Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, Sample{Key: string(rune('a' + i)), Raw: pngBytes(t, uint8(i)), Label: i})
	}
	cfg := config.Dataset{BatchSize: 4, Shuffle: true, Seed: 7, NumSamples: 10, NumParallelWorkers: 3}

	run := func() []int {
		ds := FromSamples(cfg, samples)
		ds.Transform = grayPipeline(t)
		eval, err := ds.Run(context.Background())
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
		var labels []int
		for _, b := range eval.Batches() {
			for i, l := range b.Labels {
				if b.Inputs[i][0] != float32(l)/255 {
					t.Fatalf("input and label out of step for label %d", l)
				}
				labels = append(labels, l)
			}
		}
		return labels
	}

	first, second := run(), run()
	if len(first) != 10 {
		t.Fatalf("expected 10 samples, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("shuffle with fixed seed is not reproducible: %v vs %v", first, second)
		}
	}
}

func TestRunPropagatesTransformErrors(t *testing.T) {
	ds := FromSamples(config.Dataset{BatchSize: 1}, []Sample{{Key: "bad", Raw: []byte("not an image")}})
	ds.Transform = grayPipeline(t)
	if _, err := ds.Run(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRunEmpty(t *testing.T) {
	ds := FromSamples(config.Dataset{BatchSize: 8}, nil)
	eval, err := ds.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !errors.Is(CheckSize(eval.Size()), ErrEmptyDataset) {
		t.Fatalf("empty dataset must fail the size check")
	}
}

func TestCheckSize(t *testing.T) {
	for _, n := range []int{0, -1} {
		if err := CheckSize(n); !errors.Is(err, ErrEmptyDataset) {
			t.Fatalf("CheckSize(%d) = %v, want ErrEmptyDataset", n, err)
		}
	}
	for _, n := range []int{1, 2, 1000} {
		if err := CheckSize(n); err != nil {
			t.Fatalf("CheckSize(%d) = %v, want nil", n, err)
		}
	}
}

func writeShard(t *testing.T, path string, members map[string][]byte, order []string) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range order {
		data := members[name]
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	mustWrite(t, path, buf.Bytes())
}

func TestWebDataset(t *testing.T) {
	dir := t.TempDir()
	img := pngBytes(t, 255)
	writeShard(t, filepath.Join(dir, "shard-000001.tar"), map[string][]byte{
		"x1.png": img, "x1.cls": []byte("3\n"), "x1.json": []byte("{}"),
	}, []string{"x1.png", "x1.json", "x1.cls"})
	writeShard(t, filepath.Join(dir, "nested", "shard-000000.tar"), map[string][]byte{
		"x0.cls": []byte("1"), "x0.jpg": img,
	}, []string{"x0.cls", "x0.jpg"})
	mustWrite(t, filepath.Join(dir, "ignore.tar"), []byte{})

	ds, err := Build(context.Background(), config.Dataset{Type: "WebDataset", Path: dir, BatchSize: 4})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("expected 2 samples, got %d", ds.Len())
	}
	if ds.samples[0].Key != "x0" || ds.samples[0].Label != 1 || ds.samples[1].Label != 3 {
		t.Fatalf("unexpected samples %+v", ds.samples)
	}
}

func TestReadShardIncomplete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard-000000.tar")
	writeShard(t, path, map[string][]byte{"lonely.png": pngBytes(t, 1)}, []string{"lonely.png"})
	if _, err := ReadShard(context.Background(), path, 0); err == nil {
		t.Fatalf("expected incomplete sample error")
	}
}

func TestReadShardPendingOverflow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard-000000.tar")
	writeShard(t, path, map[string][]byte{"a.png": pngBytes(t, 1), "b.png": pngBytes(t, 2)}, []string{"a.png", "b.png"})
	if _, err := ReadShard(context.Background(), path, 1); !errors.Is(err, ErrPendingOverflow) {
		t.Fatalf("expected ErrPendingOverflow, got %v", err)
	}
}

func TestBuildUnknownType(t *testing.T) {
	if _, err := Build(context.Background(), config.Dataset{Type: "Cifar", Path: t.TempDir()}); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestDiscoverShards(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"shard-000002.tar",
		"shard-000000.tar",
		"a/shard-000001.tar",
		".cache/shard-000009.tar",
		"shard-1.tar",
		"notes.txt",
	} {
		mustWrite(t, filepath.Join(dir, name), []byte{})
	}
	got, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
		filepath.Join(dir, "shard-000002.tar"),
	}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("shard %d = %s want %s", i, got[i], want[i])
		}
	}

	missing := filepath.Join(dir, "missing")
	_, err = DiscoverShards(missing)
	if !errors.Is(err, os.ErrNotExist) || !strings.Contains(err.Error(), missing) {
		t.Fatalf("expected wrapped not-exist error naming the root, got %v", err)
	}
}
