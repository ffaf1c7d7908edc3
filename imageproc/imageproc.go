// Package imageproc prepares images for the caption encoder: decoding,
// bilinear resizing to the model input size, and per-channel normalization
// into an NHWC float32 tensor.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // registers JPEG decoding
	_ "image/png"  // registers PNG decoding
	"os"
	"strings"

	_ "golang.org/x/image/bmp"  // registers BMP decoding
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // registers WebP decoding
)

// ErrInvalidImage indicates the input could not be decoded as an image.
var ErrInvalidImage = errors.New("imageproc: invalid image")

// Normalization selects how pixel values are scaled.
type Normalization string

const (
	// NormImageNet scales to [0,1] then applies ImageNet mean and std.
	NormImageNet Normalization = "imagenet"
	// NormVGG subtracts the ImageNet channel means from raw [0,255] values.
	NormVGG Normalization = "vgg"
	// NormStandard scales to [0,1].
	NormStandard Normalization = "standard"
)

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
	vggMean      = [3]float32{123.68, 116.779, 103.939}
)

// ParseNormalization maps a configuration name to a Normalization.
// "efficientnet" and "inception" are accepted as ImageNet aliases.
func ParseNormalization(s string) (Normalization, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "imagenet", "efficientnet", "inception", "":
		return NormImageNet, nil
	case "vgg":
		return NormVGG, nil
	case "standard":
		return NormStandard, nil
	default:
		return "", fmt.Errorf("imageproc: unknown normalization %q", s)
	}
}

// Preprocessor converts images into encoder input tensors.
type Preprocessor struct {
	Width  int
	Height int
	Norm   Normalization
}

// New returns a Preprocessor for the given input size.
func New(width, height int, norm Normalization) (*Preprocessor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("imageproc: invalid image size %dx%d", width, height)
	}
	n, err := ParseNormalization(string(norm))
	if err != nil {
		return nil, err
	}
	return &Preprocessor{Width: width, Height: height, Norm: n}, nil
}

// Decode decodes encoded image bytes.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrInvalidImage)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return img, format, nil
}

// Resize scales img to width x height with bilinear interpolation.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Tensor converts img into a [1,H,W,3] tensor. The image is resized when its
// bounds differ from the configured size.
func (p *Preprocessor) Tensor(img image.Image) ([]float32, []int64) {
	b := img.Bounds()
	var rgba *image.RGBA
	if r, ok := img.(*image.RGBA); ok && b.Dx() == p.Width && b.Dy() == p.Height {
		rgba = r
	} else {
		rgba = Resize(img, p.Width, p.Height)
	}

	out := make([]float32, 0, p.Width*p.Height*3)
	rb := rgba.Bounds()
	for y := rb.Min.Y; y < rb.Max.Y; y++ {
		for x := rb.Min.X; x < rb.Max.X; x++ {
			c := rgba.RGBAAt(x, y)
			out = append(out,
				p.normalize(0, c.R),
				p.normalize(1, c.G),
				p.normalize(2, c.B))
		}
	}
	return out, []int64{1, int64(p.Height), int64(p.Width), 3}
}

func (p *Preprocessor) normalize(channel int, v uint8) float32 {
	f := float32(v)
	switch p.Norm {
	case NormVGG:
		return f - vggMean[channel]
	case NormStandard:
		return f / 255
	default:
		return (f/255 - imagenetMean[channel]) / imagenetStd[channel]
	}
}

// Bytes decodes and converts encoded image bytes.
func (p *Preprocessor) Bytes(data []byte) ([]float32, []int64, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	pixels, shape := p.Tensor(img)
	return pixels, shape, nil
}

// File reads, decodes and converts an image file.
func (p *Preprocessor) File(path string) ([]float32, []int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading image: %w", err)
	}
	return p.Bytes(data)
}
