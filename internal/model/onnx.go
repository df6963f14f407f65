package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXNetwork runs a fully serialized model through onnxruntime. The session
// has a fixed batch dimension; shorter batches are zero padded.
type ONNXNetwork struct {
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	batchSize    int
	sampleSize   int
	numClasses   int
}

// ReadMetadata loads the JSON description of a serialized model.
func ReadMetadata(path string) (Metadata, error) {
	var metadata Metadata
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}
	if len(metadata.InputShape) < 2 || len(metadata.OutputShape) != 2 {
		return metadata, fmt.Errorf("metadata needs input shape [N,...] and output shape [N,classes], got %v and %v",
			metadata.InputShape, metadata.OutputShape)
	}
	if metadata.InputShape[0] != metadata.OutputShape[0] {
		return metadata, fmt.Errorf("input batch %d does not match output batch %d",
			metadata.InputShape[0], metadata.OutputShape[0])
	}
	for _, d := range append(append([]int64{}, metadata.InputShape...), metadata.OutputShape...) {
		if d <= 0 {
			return metadata, fmt.Errorf("metadata shapes must be static and positive, got %v / %v",
				metadata.InputShape, metadata.OutputShape)
		}
	}
	return metadata, nil
}

// DefaultMetadataPath guesses the metadata file sitting next to a model:
// models/net.onnx -> models/net_metadata.json.
func DefaultMetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, ".onnx") + "_metadata.json"
}

// NewONNXNetwork creates the session. The onnxruntime environment must
// already be initialized; opts may be nil.
func NewONNXNetwork(modelPath string, metadata Metadata, opts *ort.SessionOptions) (*ONNXNetwork, error) {
	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		opts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	batch := int(metadata.InputShape[0])
	return &ONNXNetwork{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		batchSize:    batch,
		sampleSize:   int(inputShape.FlattenedSize()) / batch,
		numClasses:   int(metadata.OutputShape[1]),
	}, nil
}

func (n *ONNXNetwork) NumClasses() int { return n.numClasses }

// Forward splits b into session-sized chunks and runs each one.
func (n *ONNXNetwork) Forward(b Batch) ([][]float32, error) {
	return forwardChunks(b, n.batchSize, n.run)
}

func (n *ONNXNetwork) run(inputs [][]float32) ([][]float32, error) {
	if err := packRows(n.inputTensor.GetData(), inputs, n.sampleSize); err != nil {
		return nil, err
	}
	if err := n.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return unpackRows(n.outputTensor.GetData(), len(inputs), n.numClasses), nil
}

// forwardChunks feeds b to run at most batchSize rows at a time and
// concatenates the results in order.
func forwardChunks(b Batch, batchSize int, run func([][]float32) ([][]float32, error)) ([][]float32, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("session batch size must be > 0, got %d", batchSize)
	}
	logits := make([][]float32, 0, b.Len())
	for start := 0; start < b.Len(); start += batchSize {
		end := min(start+batchSize, b.Len())
		rows, err := run(b.Inputs[start:end])
		if err != nil {
			return nil, err
		}
		if len(rows) != end-start {
			return nil, fmt.Errorf("session returned %d rows for %d inputs", len(rows), end-start)
		}
		logits = append(logits, rows...)
	}
	return logits, nil
}

// packRows copies inputs into the session buffer dst and zeroes the rest,
// so a short tail batch leaves no values from the previous run behind.
func packRows(dst []float32, inputs [][]float32, sampleSize int) error {
	if len(inputs)*sampleSize > len(dst) {
		return fmt.Errorf("%d samples do not fit the session input of %d values", len(inputs), len(dst))
	}
	clear(dst)
	for i, in := range inputs {
		if len(in) != sampleSize {
			return fmt.Errorf("expected %d values per sample, got %d", sampleSize, len(in))
		}
		copy(dst[i*sampleSize:], in)
	}
	return nil
}

// unpackRows copies the first n rows of the output buffer. Padding rows
// are dropped.
func unpackRows(out []float32, n, numClasses int) [][]float32 {
	rows := make([][]float32, n)
	for i := range rows {
		row := make([]float32, numClasses)
		copy(row, out[i*numClasses:(i+1)*numClasses])
		rows[i] = row
	}
	return rows
}

func (n *ONNXNetwork) Close() {
	if n.inputTensor != nil {
		n.inputTensor.Destroy()
	}
	if n.outputTensor != nil {
		n.outputTensor.Destroy()
	}
	if n.session != nil {
		n.session.Destroy()
	}
}
