package transforms

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/Brownie44l1/clf-eval/internal/config"
	"github.com/nfnt/resize"
)

var (
	ErrUnknownOp  = errors.New("transforms: unknown operation")
	ErrNotTensor  = errors.New("transforms: pipeline did not produce a tensor")
	ErrNotImage   = errors.New("transforms: operation needs an image")
	ErrNoRawInput = errors.New("transforms: nothing to decode")
)

// Frame carries one sample through the pipeline. It starts as Raw bytes,
// becomes an RGB Image after Decode and a CHW tensor after ToTensor. Gray
// is set only by the Grayscale op.
type Frame struct {
	Raw   []byte
	Image image.Image
	Gray  bool
	Data  []float32
	C     int
	H     int
	W     int
}

// IsTensor reports whether the frame has been converted to float data.
func (f *Frame) IsTensor() bool {
	return f.Data != nil
}

// Op is a single preprocessing step.
type Op interface {
	Name() string
	Apply(f *Frame) error
}

// Pipeline applies its ops in order.
type Pipeline []Op

// Apply runs every op on f and requires the result to be a tensor.
func (p Pipeline) Apply(f *Frame) error {
	if f.Image == nil && f.Data == nil && len(p) > 0 {
		if _, ok := p[0].(decodeOp); !ok {
			if err := (decodeOp{}).Apply(f); err != nil {
				return fmt.Errorf("Decode: %w", err)
			}
		}
	}
	for _, op := range p {
		if err := op.Apply(f); err != nil {
			return fmt.Errorf("%s: %w", op.Name(), err)
		}
	}
	if !f.IsTensor() {
		return ErrNotTensor
	}
	return nil
}

// Build turns config operations into a Pipeline.
func Build(ops []config.Operation) (Pipeline, error) {
	p := make(Pipeline, 0, len(ops))
	for i, o := range ops {
		op, err := build(o)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		p = append(p, op)
	}
	return p, nil
}

func build(o config.Operation) (Op, error) {
	switch strings.ToLower(o.Type) {
	case "decode":
		return decodeOp{}, nil
	case "resize":
		w, h, err := size2(o.Size)
		if err != nil {
			return nil, err
		}
		interp := resize.Bilinear
		switch strings.ToLower(o.Interpolation) {
		case "", "bilinear":
		case "nearest":
			interp = resize.NearestNeighbor
		case "bicubic":
			interp = resize.Bicubic
		case "lanczos", "lanczos3":
			interp = resize.Lanczos3
		default:
			return nil, fmt.Errorf("resize: unknown interpolation %q", o.Interpolation)
		}
		return resizeOp{w: uint(w), h: uint(h), interp: interp}, nil
	case "centercrop":
		w, h, err := size2(o.Size)
		if err != nil {
			return nil, err
		}
		return centerCropOp{w: w, h: h}, nil
	case "grayscale":
		return grayscaleOp{}, nil
	case "totensor":
		return toTensorOp{}, nil
	case "rescale":
		return rescaleOp{scale: float32(o.Rescale), shift: float32(o.Shift)}, nil
	case "normalize":
		if len(o.Mean) == 0 || len(o.Mean) != len(o.Std) {
			return nil, fmt.Errorf("normalize: mean and std must be non-empty and equal length")
		}
		n := normalizeOp{mean: make([]float32, len(o.Mean)), std: make([]float32, len(o.Std))}
		for i := range o.Mean {
			if o.Std[i] == 0 {
				return nil, fmt.Errorf("normalize: std[%d] is zero", i)
			}
			n.mean[i] = float32(o.Mean[i])
			n.std[i] = float32(o.Std[i])
		}
		return n, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOp, o.Type)
}

// size2 reads [w, h] or [s] (square).
func size2(size []int) (int, int, error) {
	switch len(size) {
	case 1:
		if size[0] <= 0 {
			break
		}
		return size[0], size[0], nil
	case 2:
		if size[0] <= 0 || size[1] <= 0 {
			break
		}
		return size[0], size[1], nil
	}
	return 0, 0, fmt.Errorf("size must be one or two positive values (got %v)", size)
}

type decodeOp struct{}

func (decodeOp) Name() string { return "Decode" }

func (decodeOp) Apply(f *Frame) error {
	if f.Image != nil {
		return nil
	}
	if len(f.Raw) == 0 {
		return ErrNoRawInput
	}
	img, _, err := image.Decode(bytes.NewReader(f.Raw))
	if err != nil {
		return err
	}
	f.Image = toRGBA(img)
	f.Raw = nil
	return nil
}

// toRGBA normalizes every decoded source (gray, paletted, YCbCr, ...) to
// RGBA so the channel count does not depend on how a file was encoded.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

type resizeOp struct {
	w, h   uint
	interp resize.InterpolationFunction
}

func (resizeOp) Name() string { return "Resize" }

func (r resizeOp) Apply(f *Frame) error {
	if f.Image == nil {
		return ErrNotImage
	}
	f.Image = resize.Resize(r.w, r.h, f.Image, r.interp)
	return nil
}

type centerCropOp struct{ w, h int }

func (centerCropOp) Name() string { return "CenterCrop" }

func (c centerCropOp) Apply(f *Frame) error {
	if f.Image == nil {
		return ErrNotImage
	}
	b := f.Image.Bounds()
	if c.w > b.Dx() || c.h > b.Dy() {
		return fmt.Errorf("crop %dx%d larger than image %dx%d", c.w, c.h, b.Dx(), b.Dy())
	}
	x0 := b.Min.X + (b.Dx()-c.w)/2
	y0 := b.Min.Y + (b.Dy()-c.h)/2
	rect := image.Rect(x0, y0, x0+c.w, y0+c.h)
	if sub, ok := f.Image.(subImager); ok {
		f.Image = sub.SubImage(rect)
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, c.w, c.h))
	draw.Draw(dst, dst.Bounds(), f.Image, rect.Min, draw.Src)
	f.Image = dst
	return nil
}

type grayscaleOp struct{}

func (grayscaleOp) Name() string { return "Grayscale" }

func (grayscaleOp) Apply(f *Frame) error {
	if f.Image == nil {
		return ErrNotImage
	}
	b := f.Image.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(x, y, color.GrayModel.Convert(f.Image.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	f.Image = dst
	f.Gray = true
	return nil
}

// toTensorOp lays the image out as CHW float32 in [0,1]: one channel after
// Grayscale, three otherwise.
type toTensorOp struct{}

func (toTensorOp) Name() string { return "ToTensor" }

func (toTensorOp) Apply(f *Frame) error {
	if f.Image == nil {
		return ErrNotImage
	}
	b := f.Image.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height

	if f.Gray {
		data := make([]float32, plane)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g := color.GrayModel.Convert(f.Image.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				data[y*width+x] = float32(g.Y) / 255.0
			}
		}
		f.setTensor(data, 1, height, width)
		return nil
	}

	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := f.Image.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*width + x
			data[i] = float32(r) / 65535.0
			data[plane+i] = float32(g) / 65535.0
			data[2*plane+i] = float32(bl) / 65535.0
		}
	}
	f.setTensor(data, 3, height, width)
	return nil
}

func (f *Frame) setTensor(data []float32, c, h, w int) {
	f.Data = data
	f.C, f.H, f.W = c, h, w
	f.Image = nil
	f.Gray = false
}

type rescaleOp struct{ scale, shift float32 }

func (rescaleOp) Name() string { return "Rescale" }

func (r rescaleOp) Apply(f *Frame) error {
	if !f.IsTensor() {
		return ErrNotTensor
	}
	for i, v := range f.Data {
		f.Data[i] = v*r.scale + r.shift
	}
	return nil
}

type normalizeOp struct{ mean, std []float32 }

func (normalizeOp) Name() string { return "Normalize" }

func (n normalizeOp) Apply(f *Frame) error {
	if !f.IsTensor() {
		return ErrNotTensor
	}
	if len(n.mean) != 1 && len(n.mean) != f.C {
		return fmt.Errorf("have %d channels, mean/std cover %d", f.C, len(n.mean))
	}
	plane := f.H * f.W
	for c := 0; c < f.C; c++ {
		m, s := n.mean[0], n.std[0]
		if len(n.mean) > 1 {
			m, s = n.mean[c], n.std[c]
		}
		ch := f.Data[c*plane : (c+1)*plane]
		for i, v := range ch {
			ch[i] = (v - m) / s
		}
	}
	return nil
}
