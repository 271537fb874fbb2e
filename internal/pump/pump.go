// Package pump replays a dataset into a perception engine at the recorded
// frame rate.
//
// A FramePump owns exactly one goroutine. Each tick it checks the
// ControlState, fetches the next color/depth pair, preprocesses it, forwards
// it to the engine and the display sink, and sleeps whatever is left of the
// pacing interval. It never skips frames to catch up.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rgbd-replay-go/internal/dataset"
	"rgbd-replay-go/internal/types"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Options struct {
	// SettingsPath is handed to the engine factory untouched.
	SettingsPath string
	// PlaybackRate is a rate expression, see ParsePlaybackRate.
	PlaybackRate string
	// IdleWait replaces the scheduler yield with a sleep when no frame is
	// available. Zero yields.
	IdleWait time.Duration
	Timings  TimingRecorder
}

type FramePump struct {
	source      Source
	undistorter Undistorter
	sink        Sink
	newEngine   EngineFactory
	control     *ControlState
	opts        Options

	playbackFPS float64
	interval    time.Duration

	// owned by the loop goroutine
	engine  Engine
	seq     int
	runID   string
	pending *types.Frame

	state   atomic.Int32
	startMu sync.Mutex
	started bool
	wg      sync.WaitGroup
	metrics metrics
}

func New(source Source, undistorter Undistorter, sink Sink, factory EngineFactory, control *ControlState, opts Options) (*FramePump, error) {
	if source == nil || undistorter == nil || sink == nil || factory == nil || control == nil {
		return nil, fmt.Errorf("pump: missing collaborator")
	}
	fps, err := ParsePlaybackRate(opts.PlaybackRate, source.FPS())
	if err != nil {
		return nil, err
	}
	p := &FramePump{
		source:      source,
		undistorter: undistorter,
		sink:        sink,
		newEngine:   factory,
		control:     control,
		opts:        opts,
		playbackFPS: fps,
		interval:    pacingInterval(fps),
		runID:       uuid.NewString(),
	}
	p.metrics.lastSequenceID.Store(-1)
	return p, nil
}

func (p *FramePump) State() State {
	return State(p.state.Load())
}

// PlaybackFPS is the rate the pump paces to.
func (p *FramePump) PlaybackFPS() float64 {
	return p.playbackFPS
}

func (p *FramePump) Metrics() map[string]any {
	snapshot := p.metrics.snapshot()
	snapshot["state"] = p.State().String()
	snapshot["playback_fps"] = p.playbackFPS
	return snapshot
}

// Start launches the loop. It can only be called once.
func (p *FramePump) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.started {
		return fmt.Errorf("pump already started")
	}
	p.started = true
	p.state.Store(int32(StateRunning))

	logrus.WithFields(logrus.Fields{
		"playback_fps": p.playbackFPS,
		"interval":     p.interval,
	}).Info("frame pump started")

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Join requests a stop and waits for the loop to exit, engine log included.
// It is idempotent and safe to call when Start never ran.
func (p *FramePump) Join() {
	p.control.RequestStop()

	p.startMu.Lock()
	started := p.started
	p.startMu.Unlock()
	if !started {
		return
	}

	running := p.State() != StateStopped
	if running {
		logrus.Info("waiting for frame pump to finish")
	}
	p.wg.Wait()
	if running {
		logrus.Info("frame pump has finished")
	}
}

func (p *FramePump) run(ctx context.Context) {
	defer p.wg.Done()
	defer p.state.Store(int32(StateStopped))

	for !p.control.StopRequested() && ctx.Err() == nil {
		p.tick()
	}

	p.state.Store(int32(StateStopping))
	if p.engine != nil {
		p.engine.PrintLog()
		p.closeEngine()
	}
}

func (p *FramePump) tick() {
	if p.control.takeReset() {
		p.reset()
		return
	}

	if !p.control.ProcessingEnabled() {
		p.idle()
		return
	}

	start := time.Now()
	frame, ok := p.nextFrame()
	if !ok {
		p.idle()
		return
	}

	// a frame that found no engine is kept and retried before reading on
	if p.engine == nil && !p.createEngine() {
		p.pending = &frame
		p.idle()
		return
	}
	p.pending = nil

	if err := p.engine.TrackFrame(frame); err != nil {
		p.metrics.trackErrors.Add(1)
		logrus.WithError(err).WithField("sequence_id", frame.SequenceID).Warn("engine rejected frame")
	}

	p.sink.PublishLiveFrame(frame.Color)

	p.metrics.framesTracked.Add(1)
	p.metrics.lastSequenceID.Store(int64(p.seq))
	p.seq++

	p.pace(frame, time.Since(start))
}

// nextFrame returns the pending frame if there is one, otherwise it reads and
// preprocesses the next pair. Frames that do not match the output geometry
// are skipped.
func (p *FramePump) nextFrame() (types.Frame, bool) {
	if p.pending != nil {
		return *p.pending, true
	}
	color, depth, timestamp, err := p.source.ReadPair()
	if err != nil {
		p.fetchFailed(err)
		return types.Frame{}, false
	}
	frame := p.preprocess(color, depth, timestamp)
	if !p.fitsOutput(frame) {
		return types.Frame{}, false
	}
	return frame, true
}

func (p *FramePump) fitsOutput(frame types.Frame) bool {
	w, h := p.undistorter.OutputWidth(), p.undistorter.OutputHeight()
	b := frame.Color.Bounds()
	if b.Dx() == w && b.Dy() == h && frame.Depth.Width == w && frame.Depth.Height == h {
		return true
	}
	p.metrics.sizeMismatches.Add(1)
	logrus.WithFields(logrus.Fields{
		"timestamp":    frame.Timestamp,
		"color_width":  b.Dx(),
		"color_height": b.Dy(),
		"depth_width":  frame.Depth.Width,
		"depth_height": frame.Depth.Height,
		"want_width":   w,
		"want_height":  h,
	}).Warn("skipping frame that does not match the calibration size")
	return false
}

func (p *FramePump) reset() {
	if p.engine != nil {
		p.closeEngine()
	}
	p.pending = nil
	p.seq = 0
	p.runID = uuid.NewString()
	p.metrics.resets.Add(1)
	p.metrics.lastSequenceID.Store(-1)

	p.sink.Reset()
	p.source.Reset()

	logrus.WithField("run_id", p.runID).Info("pump reset")
}

func (p *FramePump) closeEngine() {
	if closer, ok := p.engine.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logrus.WithError(err).Warn("engine close failed")
		}
	}
	p.engine = nil
}

func (p *FramePump) createEngine() bool {
	params := EngineParams{
		Width:        p.undistorter.OutputWidth(),
		Height:       p.undistorter.OutputHeight(),
		K:            p.undistorter.K(),
		SettingsPath: p.opts.SettingsPath,
		Sink:         p.sink,
		RunID:        p.runID,
	}
	engine, err := p.newEngine(params)
	if err != nil {
		p.metrics.engineFailures.Add(1)
		logrus.WithError(err).Warn("engine construction failed")
		return false
	}
	p.engine = engine
	p.metrics.enginesCreated.Add(1)
	logrus.WithFields(logrus.Fields{
		"run_id": p.runID,
		"width":  params.Width,
		"height": params.Height,
	}).Info("engine created")
	return true
}

func (p *FramePump) fetchFailed(err error) {
	if errors.Is(err, dataset.ErrEndOfSequence) {
		return
	}
	p.metrics.fetchFailures.Add(1)
	if errors.Is(err, dataset.ErrDecode) {
		p.metrics.decodeFailures.Add(1)
	}
	logrus.WithError(err).Warn("skipping frame")
}

func (p *FramePump) idle() {
	p.metrics.idleTicks.Add(1)
	if p.opts.IdleWait > 0 {
		time.Sleep(p.opts.IdleWait)
		return
	}
	runtime.Gosched()
}

func (p *FramePump) pace(frame types.Frame, elapsed time.Duration) {
	p.metrics.processCount.Add(1)
	p.metrics.processNanos.Add(uint64(elapsed.Nanoseconds()))

	delay := p.interval - elapsed
	late := p.interval > 0 && delay <= 0
	if late {
		p.metrics.lateFrames.Add(1)
	}

	if p.opts.Timings != nil {
		timing := types.FrameTiming{
			SequenceID: frame.SequenceID,
			Timestamp:  frame.Timestamp,
			Elapsed:    elapsed,
			Delay:      max(delay, 0),
			Late:       late,
		}
		if err := p.opts.Timings.RecordTiming(timing); err != nil {
			logrus.WithError(err).Debug("timing record failed")
		}
	}

	if delay > 0 {
		time.Sleep(delay)
	}
}
