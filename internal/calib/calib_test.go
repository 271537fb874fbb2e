package calib

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tumFreiburg1 = `
model: radtan
width: 640
height: 480
fx: 517.3
fy: 516.5
cx: 318.6
cy: 255.3
k1: 0.2624
k2: -0.9531
p1: -0.0054
p2: 0.0026
k3: 1.1633
output_width: 320
output_height: 240
`

func TestLoadCalibration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calib.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tumFreiburg1), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModelRadTan, c.Model)
	assert.Equal(t, 640, c.Width)
	assert.Equal(t, 320, c.OutputWidth)
	assert.InDelta(t, 517.3, c.Fx, 1e-9)
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte("width: 4\nheight: 3\nfx: 2\nfy: 2\ncx: 1.5\ncy: 1\n"))
	require.NoError(t, err)
	assert.Equal(t, ModelPinhole, c.Model)
	assert.Equal(t, 4, c.OutputWidth)
	assert.Equal(t, 3, c.OutputHeight)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"missing size":  "fx: 1\nfy: 1\n",
		"zero focal":    "width: 4\nheight: 3\n",
		"unknown model": "model: fisheye\nwidth: 4\nheight: 3\nfx: 1\nfy: 1\n",
		"bad yaml":      "width: [",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestPinholeSameSizeIsIdentity(t *testing.T) {
	c, err := Parse([]byte("width: 4\nheight: 3\nfx: 2\nfy: 2\ncx: 1.5\ncy: 1\n"))
	require.NoError(t, err)
	u, err := NewUndistorter(c)
	require.NoError(t, err)

	src := image.NewGray(image.Rect(0, 0, 4, 3))
	assert.Same(t, src, u.Undistort(src))
	assert.Equal(t, [9]float64{2, 0, 1.5, 0, 2, 1, 0, 0, 1}, u.K())
}

func TestDownscaleKeepsPixelType(t *testing.T) {
	c := Calibration{Model: ModelPinhole, Width: 4, Height: 4, Fx: 4, Fy: 4, Cx: 2, Cy: 2, OutputWidth: 2, OutputHeight: 2}
	u, err := NewUndistorter(c)
	require.NoError(t, err)
	assert.Equal(t, 2, u.OutputWidth())
	assert.Equal(t, 2, u.OutputHeight())
	assert.Equal(t, [9]float64{2, 0, 1, 0, 2, 1, 0, 0, 1}, u.K())

	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	depth := image.NewGray16(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			gray.SetGray(x, y, color.Gray{Y: uint8(10*y + x)})
			depth.SetGray16(x, y, color.Gray16{Y: uint16(1000*y + x)})
		}
	}

	outGray, ok := u.Undistort(gray).(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 2, 2), outGray.Bounds())
	// output (1,1) maps back to input (2,2)
	assert.Equal(t, uint8(22), outGray.GrayAt(1, 1).Y)
	assert.Equal(t, uint8(0), outGray.GrayAt(0, 0).Y)

	outDepth, ok := u.Undistort(depth).(*image.Gray16)
	require.True(t, ok)
	assert.Equal(t, uint16(2002), outDepth.Gray16At(1, 1).Y)

	rgba := image.NewRGBA(image.Rect(0, 0, 4, 4))
	rgba.Set(2, 2, color.RGBA{R: 9, A: 255})
	outRGBA := u.Undistort(rgba)
	r, _, _, a := outRGBA.At(1, 1).RGBA()
	assert.Equal(t, uint32(9*0x101), r)
	assert.Equal(t, uint32(0xffff), a)
}

func TestRadTanMovesOffCentrePixels(t *testing.T) {
	c := Calibration{Model: ModelRadTan, Width: 9, Height: 9, Fx: 4, Fy: 4, Cx: 4, Cy: 4, K1: 0.5, OutputWidth: 9, OutputHeight: 9}
	u, err := NewUndistorter(c)
	require.NoError(t, err)

	// the principal point is fixed under radial distortion
	assert.Equal(t, 4*9+4, u.lookup[4*9+4])
	// a corner pixel samples further out, which falls outside the image
	assert.Equal(t, -1, u.lookup[0])
}

func TestUndistortPassesThroughForeignSize(t *testing.T) {
	c := Calibration{Model: ModelRadTan, Width: 9, Height: 9, Fx: 4, Fy: 4, Cx: 4, Cy: 4, K1: 0.1, OutputWidth: 9, OutputHeight: 9}
	u, err := NewUndistorter(c)
	require.NoError(t, err)
	src := image.NewGray(image.Rect(0, 0, 3, 3))
	assert.Same(t, src, u.Undistort(src))
}
