package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the evaluation document. It is read once at startup.
type Config struct {
	Context    Context    `yaml:"context"`
	DataLoader DataLoader `yaml:"data_loader"`
	Loss       Loss       `yaml:"loss"`
	Infer      Infer      `yaml:"infer"`
	Model      Model      `yaml:"model"`
}

// Context holds the runtime settings applied before anything is built.
type Context struct {
	DeviceTarget string `yaml:"device_target"`
	Mode         string `yaml:"mode"`
	DeviceID     int    `yaml:"device_id"`
	NumThreads   int    `yaml:"num_threads"`
	LibraryPath  string `yaml:"library_path"`
}

type DataLoader struct {
	Eval Pipeline `yaml:"eval"`
}

type Pipeline struct {
	Dataset Dataset `yaml:"dataset"`
	Map     Map     `yaml:"map"`
}

type Map struct {
	Operations []Operation `yaml:"operations"`
}

// Dataset describes where samples come from and how they are batched.
type Dataset struct {
	Type               string   `yaml:"type"`
	Path               string   `yaml:"path"`
	BatchSize          int      `yaml:"batch_size"`
	NumParallelWorkers int      `yaml:"num_parallel_workers"`
	Shuffle            bool     `yaml:"shuffle"`
	Seed               int64    `yaml:"seed"`
	NumSamples         int      `yaml:"num_samples"`
	Extensions         []string `yaml:"extensions"`
}

// Operation is one transform step. Only the fields relevant to Type are read.
type Operation struct {
	Type          string    `yaml:"type"`
	Size          []int     `yaml:"size"`
	Interpolation string    `yaml:"interpolation"`
	Mean          []float64 `yaml:"mean"`
	Std           []float64 `yaml:"std"`
	Rescale       float64   `yaml:"rescale"`
	Shift         float64   `yaml:"shift"`
}

type Loss struct {
	Type           string  `yaml:"type"`
	Sparse         bool    `yaml:"sparse"`
	Reduction      string  `yaml:"reduction"`
	LabelSmoothing float64 `yaml:"label_smoothing"`
}

type Infer struct {
	PretrainedModel string `yaml:"pretrained_model"`
	Metadata        string `yaml:"metadata"`
}

// Model describes the network built for parameter-only checkpoints.
type Model struct {
	Type       string `yaml:"type"`
	InFeatures int    `yaml:"in_features"`
	Hidden     []int  `yaml:"hidden"`
	NumClasses int    `yaml:"num_classes"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	PretrainedModel string
	DataPath        string
	BatchSize       int
	DeviceTarget    string
}

// Load reads and defaults a Config from YAML. Callers validate after
// applying overrides.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Context.DeviceTarget == "" {
		c.Context.DeviceTarget = "CPU"
	}
	c.Context.Mode = normalizeMode(c.Context.Mode)
	ds := &c.DataLoader.Eval.Dataset
	if ds.BatchSize == 0 {
		ds.BatchSize = 1
	}
	if ds.NumParallelWorkers == 0 {
		ds.NumParallelWorkers = 1
	}
	if c.Loss.Reduction == "" {
		c.Loss.Reduction = "mean"
	}
}

// normalizeMode maps the numeric GRAPH_MODE (0) and PYNATIVE_MODE (1)
// values onto their names. An empty mode means graph.
func normalizeMode(mode string) string {
	switch strings.TrimSpace(mode) {
	case "", "0":
		return "graph"
	case "1":
		return "pynative"
	}
	return mode
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.PretrainedModel != "" {
		c.Infer.PretrainedModel = o.PretrainedModel
	}
	if o.DataPath != "" {
		c.DataLoader.Eval.Dataset.Path = o.DataPath
	}
	if o.BatchSize > 0 {
		c.DataLoader.Eval.Dataset.BatchSize = o.BatchSize
	}
	if o.DeviceTarget != "" {
		c.Context.DeviceTarget = o.DeviceTarget
	}
}

// Validate verifies the config is runnable. Builders still reject values
// they do not understand.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch strings.ToUpper(c.Context.DeviceTarget) {
	case "CPU", "GPU":
	default:
		return fmt.Errorf("context.device_target must be CPU or GPU (got %q)", c.Context.DeviceTarget)
	}
	switch strings.ToLower(normalizeMode(c.Context.Mode)) {
	case "graph", "pynative":
	default:
		return fmt.Errorf("context.mode must be graph (0) or pynative (1) (got %q)", c.Context.Mode)
	}
	ds := c.DataLoader.Eval.Dataset
	if ds.Path == "" {
		return errors.New("data_loader.eval.dataset.path must be set")
	}
	if ds.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", ds.BatchSize)
	}
	if ds.NumParallelWorkers <= 0 {
		return fmt.Errorf("num_parallel_workers must be > 0 (got %d)", ds.NumParallelWorkers)
	}
	if ds.NumSamples < 0 {
		return fmt.Errorf("num_samples must be >= 0 (got %d)", ds.NumSamples)
	}
	if c.Infer.PretrainedModel == "" {
		return errors.New("infer.pretrained_model must be set")
	}
	return nil
}
