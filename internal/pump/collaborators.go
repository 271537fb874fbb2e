package pump

import (
	"image"

	"rgbd-replay-go/internal/types"
)

// Source yields color/depth pairs in traversal order.
type Source interface {
	ReadPair() (color image.Image, depth image.Image, timestamp float64, err error)
	Reset()
	FPS() float64
}

// Undistorter maps raw images to the rectified output geometry.
type Undistorter interface {
	K() [9]float64
	OutputWidth() int
	OutputHeight() int
	Undistort(src image.Image) image.Image
}

// Sink receives the preprocessed color stream for display.
type Sink interface {
	Reset()
	SetImageSize(width, height int)
	PublishLiveFrame(img *image.Gray)
}

// Engine consumes frames. An engine that also implements io.Closer is closed
// when a reset discards it.
type Engine interface {
	TrackFrame(frame types.Frame) error
	PrintLog()
}

// EngineParams is everything an engine needs at construction.
type EngineParams struct {
	Width        int
	Height       int
	K            [9]float64
	SettingsPath string
	Sink         Sink
	RunID        string
}

type EngineFactory func(params EngineParams) (Engine, error)

// TimingRecorder receives one record per processed frame.
type TimingRecorder interface {
	RecordTiming(timing types.FrameTiming) error
}
