// Package calib loads camera calibration and rectifies images to the output
// geometry the engine expects.
package calib

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	ModelPinhole = "pinhole"
	ModelRadTan  = "radtan"
)

// Calibration is the on-disk camera description. Distortion follows the
// radial-tangential (Brown-Conrady) model.
type Calibration struct {
	Model  string  `yaml:"model"`
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	Fx     float64 `yaml:"fx"`
	Fy     float64 `yaml:"fy"`
	Cx     float64 `yaml:"cx"`
	Cy     float64 `yaml:"cy"`
	K1     float64 `yaml:"k1"`
	K2     float64 `yaml:"k2"`
	P1     float64 `yaml:"p1"`
	P2     float64 `yaml:"p2"`
	K3     float64 `yaml:"k3"`

	OutputWidth  int `yaml:"output_width"`
	OutputHeight int `yaml:"output_height"`
}

// Load reads a calibration file. Output size defaults to the input size.
func Load(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Calibration{}, errors.Wrap(err, "read calibration")
	}
	return Parse(data)
}

func Parse(data []byte) (Calibration, error) {
	var c Calibration
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Calibration{}, errors.Wrap(err, "parse calibration")
	}
	if c.Model == "" {
		c.Model = ModelRadTan
		if c.K1 == 0 && c.K2 == 0 && c.P1 == 0 && c.P2 == 0 && c.K3 == 0 {
			c.Model = ModelPinhole
		}
	}
	if c.OutputWidth == 0 {
		c.OutputWidth = c.Width
	}
	if c.OutputHeight == 0 {
		c.OutputHeight = c.Height
	}
	if err := c.Validate(); err != nil {
		return Calibration{}, err
	}
	return c, nil
}

func (c Calibration) Validate() error {
	switch c.Model {
	case ModelPinhole, ModelRadTan:
	default:
		return errors.Errorf("unknown camera model %q", c.Model)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Errorf("invalid image size %dx%d", c.Width, c.Height)
	}
	if c.OutputWidth <= 0 || c.OutputHeight <= 0 {
		return errors.Errorf("invalid output size %dx%d", c.OutputWidth, c.OutputHeight)
	}
	if c.Fx <= 0 || c.Fy <= 0 {
		return errors.New("focal lengths must be positive")
	}
	return nil
}

// distort maps normalized undistorted coordinates to distorted ones.
func (c Calibration) distort(x, y float64) (float64, float64) {
	if c.Model == ModelPinhole {
		return x, y
	}
	r2 := x*x + y*y
	radial := 1 + c.K1*r2 + c.K2*r2*r2 + c.K3*r2*r2*r2
	xd := x*radial + 2*c.P1*x*y + c.P2*(r2+2*x*x)
	yd := y*radial + c.P1*(r2+2*y*y) + 2*c.P2*x*y
	return xd, yd
}
