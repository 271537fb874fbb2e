package pump

import (
	"image"
	"image/draw"

	"github.com/sirupsen/logrus"

	"rgbd-replay-go/internal/types"
)

func channelCount(img image.Image) int {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	case *image.Alpha, *image.Alpha16:
		return 1
	case *image.YCbCr, *image.CMYK:
		return 3
	default:
		return 4
	}
}

// toGray returns img as single-channel intensity, converting if needed.
func toGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
	return gray
}

func (p *FramePump) preprocess(color, depth image.Image, timestamp float64) types.Frame {
	if channelCount(color) > 1 {
		color = toGray(color)
	}
	if n := channelCount(depth); n != 1 {
		p.metrics.depthChannelWarns.Add(1)
		logrus.WithField("channels", n).Warn("loaded depth image has too many channels")
	}

	gray := toGray(p.undistorter.Undistort(color))
	rectified := p.undistorter.Undistort(depth)

	return types.Frame{
		SequenceID: p.seq,
		Timestamp:  timestamp,
		Color:      gray,
		Depth:      types.DepthFromImage(rectified),
	}
}
