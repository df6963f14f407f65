package model

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/Brownie44l1/clf-eval/internal/runtime"
	"github.com/nlpodyssey/safetensors"
	"github.com/nlpodyssey/safetensors/dtype"
	"k8s.io/klog/v2"
)

// CheckpointExt marks a parameter-only checkpoint. Any other extension is
// a full serialized model.
const CheckpointExt = ".ckpt"

var ErrParamMismatch = errors.New("checkpoint: parameters do not match network")

// IsParamCheckpoint reports whether path holds parameters only, in which
// case the network has to be built before loading. Leading dots of the file
// name are not an extension, so a bare ".ckpt" is not a checkpoint.
func IsParamCheckpoint(path string) bool {
	stem := strings.TrimLeft(filepath.Base(path), ".")
	return filepath.Ext(stem) == CheckpointExt
}

// Load restores a network from path. With net set, the checkpoint's
// parameters are copied into it and net is returned. With net nil, path
// must be a full serialized model which is opened through rt.
func Load(path string, net *MLP, rt *runtime.Runtime, metadataPath string) (Network, error) {
	if net != nil {
		if err := LoadCheckpoint(path, net); err != nil {
			return nil, err
		}
		klog.Infof("loaded %d parameters from %s", len(net.parameters()), path)
		return net, nil
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext != ".onnx" {
		return nil, fmt.Errorf("cannot deserialize model %s: unsupported format %q", path, ext)
	}
	if metadataPath == "" {
		metadataPath = DefaultMetadataPath(path)
	}
	metadata, err := ReadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	if rt == nil {
		return nil, fmt.Errorf("loading %s needs an onnxruntime context", path)
	}
	opts, err := rt.SessionOptions()
	if err != nil {
		return nil, err
	}
	onnxNet, err := NewONNXNetwork(path, metadata, opts)
	if err != nil {
		return nil, err
	}
	klog.Infof("loaded serialized model %s (input %v, classes %d)", path, metadata.InputShape, onnxNet.NumClasses())
	return onnxNet, nil
}

// LoadCheckpoint reads a safetensors checkpoint into net. Every network
// parameter must be present with a matching shape; extra entries are
// ignored.
func LoadCheckpoint(path string, net *MLP) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	st, err := safetensors.Deserialize(raw)
	if err != nil {
		return fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	params := net.parameters()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := params[name]
		tensor, ok := st.Tensor(name)
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrParamMismatch, name)
		}
		shape := make([]int, len(tensor.Shape()))
		for i, d := range tensor.Shape() {
			shape[i] = int(d)
		}
		if !slices.Equal(shape, p.shape) {
			return fmt.Errorf("%w: %s has shape %v, network expects %v", ErrParamMismatch, name, shape, p.shape)
		}
		if err := decodeFloats(tensor.DType(), tensor.Data(), p.data); err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
	}
	return nil
}

// decodeFloats converts little-endian F32 or F64 bytes into dst.
func decodeFloats(dt dtype.DType, data []byte, dst []float64) error {
	var width int
	switch dt {
	case dtype.F32:
		width = 4
	case dtype.F64:
		width = 8
	default:
		return fmt.Errorf("unsupported dtype %v", dt)
	}
	if len(data) != len(dst)*width {
		return fmt.Errorf("%d bytes do not hold %d %v values", len(data), len(dst), dt)
	}
	for i := range dst {
		if width == 4 {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		} else {
			dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
	}
	return nil
}

// tensorInfo is one safetensors header entry.
type tensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// SaveCheckpoint writes net's parameters as F32 tensors in the layout
// LoadCheckpoint reads.
func SaveCheckpoint(path string, net *MLP) error {
	params := net.parameters()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorInfo, len(names))
	var offset int64
	for _, name := range names {
		p := params[name]
		n := int64(len(p.data) * 4)
		header[name] = tensorInfo{DType: "F32", Shape: p.shape, Offsets: [2]int64{offset, offset + n}}
		offset += n
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint64(len(hdr))); err != nil {
		return err
	}
	if _, err := f.Write(hdr); err != nil {
		return err
	}
	for _, name := range names {
		data := params[name].data
		buf := make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
		}
		if _, err := f.Write(buf); err != nil {
			return err
		}
	}
	return f.Close()
}
