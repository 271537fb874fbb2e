package types

import (
	"image"
	"image/color"
	"time"
)

// Frame is one preprocessed color/depth pair handed to the engine.
type Frame struct {
	SequenceID int
	Timestamp  float64
	Color      *image.Gray
	Depth      *DepthImage
}

// DepthImage holds raw depth samples as float32, row-major.
type DepthImage struct {
	Pix    []float32
	Width  int
	Height int
}

func NewDepthImage(width, height int) *DepthImage {
	return &DepthImage{
		Pix:    make([]float32, width*height),
		Width:  width,
		Height: height,
	}
}

func (d *DepthImage) At(x, y int) float32 {
	return d.Pix[y*d.Width+x]
}

// DepthFromImage converts a decoded depth map to float32 without rescaling,
// so a 16-bit sample of 5000 becomes 5000.0.
func DepthFromImage(img image.Image) *DepthImage {
	bounds := img.Bounds()
	out := NewDepthImage(bounds.Dx(), bounds.Dy())
	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Pix[y*out.Width+x] = float32(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < out.Height; y++ {
			off := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			row := src.Pix[off : off+out.Width]
			for x, v := range row {
				out.Pix[y*out.Width+x] = float32(v)
			}
		}
	default:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				c := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				out.Pix[y*out.Width+x] = float32(c.Y)
			}
		}
	}
	return out
}

// FrameTiming describes how long one pump iteration took against its pacing budget.
type FrameTiming struct {
	SequenceID int
	Timestamp  float64
	Elapsed    time.Duration
	Delay      time.Duration
	Late       bool
}
