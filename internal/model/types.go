package model

// Metadata describes a serialized model: tensor names and the fixed shapes
// its session is created with.
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// Batch is a minibatch of flattened CHW inputs and their labels.
type Batch struct {
	Inputs [][]float32
	Labels []int
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Inputs)
}

// Network maps a batch to one row of logits per sample.
type Network interface {
	Forward(batch Batch) ([][]float32, error)
	NumClasses() int
	Close()
}
