package calib

import (
	"image"
	"image/color"
	"math"
)

// Undistorter holds a precomputed nearest-neighbour remap from output pixels
// to input pixels. It is read-only after construction.
type Undistorter struct {
	calib    Calibration
	k        [9]float64
	identity bool
	// lookup[i] is the input pixel offset for output pixel i, or -1.
	lookup []int
}

func NewUndistorter(c Calibration) (*Undistorter, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	sx := float64(c.OutputWidth) / float64(c.Width)
	sy := float64(c.OutputHeight) / float64(c.Height)
	u := &Undistorter{
		calib: c,
		k: [9]float64{
			c.Fx * sx, 0, c.Cx * sx,
			0, c.Fy * sy, c.Cy * sy,
			0, 0, 1,
		},
		identity: c.Model == ModelPinhole && sx == 1 && sy == 1,
	}
	if !u.identity {
		u.buildLookup()
	}
	return u, nil
}

func (u *Undistorter) buildLookup() {
	c := u.calib
	fx, cx := u.k[0], u.k[2]
	fy, cy := u.k[4], u.k[5]
	u.lookup = make([]int, c.OutputWidth*c.OutputHeight)
	for v := 0; v < c.OutputHeight; v++ {
		for w := 0; w < c.OutputWidth; w++ {
			x := (float64(w) - cx) / fx
			y := (float64(v) - cy) / fy
			xd, yd := c.distort(x, y)
			sx := int(math.Round(xd*c.Fx + c.Cx))
			sy := int(math.Round(yd*c.Fy + c.Cy))
			idx := -1
			if sx >= 0 && sx < c.Width && sy >= 0 && sy < c.Height {
				idx = sy*c.Width + sx
			}
			u.lookup[v*c.OutputWidth+w] = idx
		}
	}
}

// K is the intrinsic matrix of the rectified output, row-major.
func (u *Undistorter) K() [9]float64 {
	return u.k
}

func (u *Undistorter) OutputWidth() int {
	return u.calib.OutputWidth
}

func (u *Undistorter) OutputHeight() int {
	return u.calib.OutputHeight
}

// Undistort remaps src into the output geometry, keeping its pixel type for
// 8- and 16-bit grayscale. Pixels with no source are zero. An image whose
// size does not match the calibration is returned unchanged.
func (u *Undistorter) Undistort(src image.Image) image.Image {
	b := src.Bounds()
	if u.identity || b.Dx() != u.calib.Width || b.Dy() != u.calib.Height {
		return src
	}
	w, h := u.calib.OutputWidth, u.calib.OutputHeight
	rect := image.Rect(0, 0, w, h)

	switch img := src.(type) {
	case *image.Gray:
		out := image.NewGray(rect)
		for i, idx := range u.lookup {
			if idx < 0 {
				continue
			}
			x, y := idx%u.calib.Width, idx/u.calib.Width
			out.Pix[i] = img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)]
		}
		return out
	case *image.Gray16:
		out := image.NewGray16(rect)
		for i, idx := range u.lookup {
			if idx < 0 {
				continue
			}
			x, y := idx%u.calib.Width, idx/u.calib.Width
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			out.Pix[2*i] = img.Pix[off]
			out.Pix[2*i+1] = img.Pix[off+1]
		}
		return out
	default:
		out := image.NewRGBA64(rect)
		for i, idx := range u.lookup {
			if idx < 0 {
				continue
			}
			x, y := idx%u.calib.Width, idx/u.calib.Width
			out.Set(i%w, i/w, color.RGBA64Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)))
		}
		return out
	}
}
