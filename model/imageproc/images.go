package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"slices"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/vanlab/van/ml"
)

var (
	ImageNetDefaultMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultSTD  = [3]float32{0.229, 0.224, 0.225}
)

// CropFraction is the share of the resized image kept by the center crop at
// evaluation time: a 224 pixel input is resized to 256 and cropped.
const CropFraction = 0.875

// Flatten draws img over an opaque background so transparent regions take the
// background color.
func Flatten(img image.Image, background color.Color) *image.RGBA {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{background}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// ResizeShorter scales img so that its shorter side is side pixels, keeping the
// aspect ratio. The longer side is truncated to whole pixels.
func ResizeShorter(img image.Image, side int, kernel draw.Interpolator) *image.RGBA {
	b := img.Bounds()
	w, h := side, side
	switch {
	case b.Dx() < b.Dy():
		h = max(side, b.Dy()*side/b.Dx())
	case b.Dx() > b.Dy():
		w = max(side, b.Dx()*side/b.Dy())
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	kernel.Scale(dst, dst.Rect, img, b, draw.Src, nil)
	return dst
}

// CenterCrop returns the size×size square at the center of img.
func CenterCrop(img image.Image, size int) (*image.RGBA, error) {
	b := img.Bounds()
	if b.Dx() < size || b.Dy() < size {
		return nil, fmt.Errorf("cannot crop %dx%d from a %dx%d image", size, size, b.Dx(), b.Dy())
	}

	origin := image.Point{X: b.Min.X + (b.Dx()-size)/2, Y: b.Min.Y + (b.Dy()-size)/2}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), img, origin, draw.Src)
	return dst, nil
}

// Normalize returns the pixels of img as three channel-first planes, rescaled to
// [0, 1] and normalized per channel with mean and std.
func Normalize(img image.Image, mean, std [3]float32) []float32 {
	bounds := img.Bounds()
	plane := bounds.Dx() * bounds.Dy()
	pixels := make([]float32, 3*plane)

	var i int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			for c, v := range [3]uint32{r, g, b} {
				pixels[c*plane+i] = (float32(v>>8)/255.0 - mean[c]) / std[c]
			}
			i++
		}
	}

	return pixels
}

// Preprocess decodes an encoded image and applies the evaluation transform:
// flatten over white, bicubic resize of the shorter side to size/CropFraction,
// center crop to size and ImageNet normalization. The result is a
// (1, 3, size, size) tensor.
func Preprocess(data []byte, size int) (*ml.Tensor, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	scaled := int(math.Floor(float64(size) / CropFraction))
	cropped, err := CenterCrop(ResizeShorter(Flatten(img, color.White), scaled, draw.CatmullRom), size)
	if err != nil {
		return nil, err
	}

	return ml.FromFloats(Normalize(cropped, ImageNetDefaultMean, ImageNetDefaultSTD), 1, 3, size, size)
}

// Batch stacks (1, C, H, W) images into a single (B, C, H, W) tensor.
func Batch(images ...*ml.Tensor) (*ml.Tensor, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ml.ErrShapeMismatch)
	}

	shape := images[0].Shape()
	data := make([]float32, 0, len(images)*images[0].Len())
	for _, img := range images {
		if !slices.Equal(img.Shape(), shape) || shape[0] != 1 {
			return nil, fmt.Errorf("%w: cannot batch %v with %v", ml.ErrShapeMismatch, img, shape)
		}
		data = append(data, img.Floats()...)
	}

	shape[0] = len(images)
	return ml.FromFloats(data, shape...)
}
