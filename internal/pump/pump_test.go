package pump

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rgbd-replay-go/internal/dataset"
	"rgbd-replay-go/internal/types"
)

type fakeSource struct {
	mu     sync.Mutex
	frames int
	loop   bool
	fps    float64
	next   int
	resets int
	color  func() image.Image
	depth  func() image.Image
	errAt  map[int]error
}

func (s *fakeSource) ReadPair() (image.Image, image.Image, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= s.frames {
		if !s.loop {
			return nil, nil, 0, dataset.ErrEndOfSequence
		}
		s.next = 0
	}
	i := s.next
	s.next++
	if err := s.errAt[i]; err != nil {
		return nil, nil, float64(i), err
	}
	c := image.Image(image.NewGray(image.Rect(0, 0, 4, 3)))
	if s.color != nil {
		c = s.color()
	}
	d := image.Image(image.NewGray16(image.Rect(0, 0, 4, 3)))
	if s.depth != nil {
		d = s.depth()
	}
	return c, d, float64(i), nil
}

func (s *fakeSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	s.resets++
}

func (s *fakeSource) FPS() float64 {
	return s.fps
}

type identityUndistorter struct{}

func (identityUndistorter) K() [9]float64                         { return [9]float64{1, 0, 2, 0, 1, 1.5, 0, 0, 1} }
func (identityUndistorter) OutputWidth() int                      { return 4 }
func (identityUndistorter) OutputHeight() int                     { return 3 }
func (identityUndistorter) Undistort(src image.Image) image.Image { return src }

type fakeSink struct {
	mu        sync.Mutex
	published int
	resets    int
}

func (s *fakeSink) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *fakeSink) SetImageSize(int, int) {}

func (s *fakeSink) PublishLiveFrame(*image.Gray) {
	s.mu.Lock()
	s.published++
	s.mu.Unlock()
}

func (s *fakeSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.resets
}

type fakeEngine struct {
	mu     sync.Mutex
	params EngineParams
	frames []types.Frame
	logs   int
	closed bool
}

func (e *fakeEngine) TrackFrame(frame types.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, frame)
	return nil
}

func (e *fakeEngine) PrintLog() {
	e.mu.Lock()
	e.logs++
	e.mu.Unlock()
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) sequenceIDs() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int, len(e.frames))
	for i, f := range e.frames {
		ids[i] = f.SequenceID
	}
	return ids
}

type engineRecorder struct {
	mu      sync.Mutex
	engines []*fakeEngine
	failN   int
}

func (r *engineRecorder) factory(params EngineParams) (Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return nil, errors.New("engine unavailable")
	}
	e := &fakeEngine{params: params}
	r.engines = append(r.engines, e)
	return e, nil
}

func (r *engineRecorder) all() []*fakeEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeEngine(nil), r.engines...)
}

func newTestPump(t *testing.T, source *fakeSource, control *ControlState, opts Options) (*FramePump, *fakeSink, *engineRecorder) {
	t.Helper()
	sink := &fakeSink{}
	engines := &engineRecorder{}
	p, err := New(source, identityUndistorter{}, sink, engines.factory, control, opts)
	require.NoError(t, err)
	return p, sink, engines
}

func joinWithin(t *testing.T, p *FramePump, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		p.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("Join did not return within %v", d)
	}
}

func TestStartThenJoinWithoutFrames(t *testing.T) {
	source := &fakeSource{fps: 30}
	p, _, engines := newTestPump(t, source, NewControlState(true), Options{})

	require.NoError(t, p.Start(context.Background()))
	joinWithin(t, p, time.Second)
	joinWithin(t, p, time.Second)

	assert.Equal(t, StateStopped, p.State())
	assert.Empty(t, engines.all())
}

func TestJoinWithoutStartIsSafe(t *testing.T) {
	control := NewControlState(true)
	p, _, _ := newTestPump(t, &fakeSource{fps: 30}, control, Options{})

	p.Join()
	p.Join()
	assert.True(t, control.StopRequested())
	assert.Equal(t, StateIdle, p.State())
}

func TestStartTwiceFails(t *testing.T) {
	p, _, _ := newTestPump(t, &fakeSource{fps: 30}, NewControlState(false), Options{})
	require.NoError(t, p.Start(context.Background()))
	defer p.Join()
	assert.Error(t, p.Start(context.Background()))
}

func TestForwardsEveryFrameInOrder(t *testing.T) {
	source := &fakeSource{frames: 5, fps: 30}
	p, sink, engines := newTestPump(t, source, NewControlState(true), Options{PlaybackRate: "0"})

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		e := engines.all()
		return len(e) == 1 && len(e[0].sequenceIDs()) == 5
	}, 2*time.Second, 5*time.Millisecond)
	joinWithin(t, p, time.Second)

	engine := engines.all()[0]
	assert.Equal(t, []int{0, 1, 2, 3, 4}, engine.sequenceIDs())
	assert.Equal(t, 1, engine.logs)
	assert.Equal(t, 4, engine.params.Width)
	assert.Equal(t, 3, engine.params.Height)
	assert.NotEmpty(t, engine.params.RunID)

	published, _ := sink.counts()
	assert.Equal(t, 5, published)
	assert.EqualValues(t, 5, p.Metrics()["frames_tracked_total"])
}

func TestResetDiscardsEngineAndRestartsSequence(t *testing.T) {
	source := &fakeSource{frames: 3, loop: true, fps: 30}
	control := NewControlState(true)
	p, sink, engines := newTestPump(t, source, control, Options{PlaybackRate: "200"})

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		e := engines.all()
		return len(e) == 1 && len(e[0].sequenceIDs()) >= 2
	}, 2*time.Second, time.Millisecond)

	control.RequestReset()
	require.Eventually(t, func() bool {
		e := engines.all()
		return len(e) == 2 && len(e[1].sequenceIDs()) >= 1
	}, 2*time.Second, time.Millisecond)
	joinWithin(t, p, time.Second)

	all := engines.all()
	first, second := all[0], all[1]
	assert.True(t, first.closed)
	assert.Equal(t, 0, first.logs)
	assert.Equal(t, 0, second.sequenceIDs()[0])
	assert.Equal(t, 1, second.logs)
	assert.NotEqual(t, first.params.RunID, second.params.RunID)
	assert.False(t, control.ResetRequested())

	_, sinkResets := sink.counts()
	assert.Equal(t, 1, sinkResets)
	source.mu.Lock()
	assert.Equal(t, 1, source.resets)
	source.mu.Unlock()
}

func TestProcessingDisabledHoldsFrames(t *testing.T) {
	control := NewControlState(false)
	p, _, engines := newTestPump(t, &fakeSource{frames: 2, fps: 30}, control, Options{PlaybackRate: "0"})

	require.NoError(t, p.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, engines.all())

	control.SetProcessing(true)
	require.Eventually(t, func() bool {
		e := engines.all()
		return len(e) == 1 && len(e[0].sequenceIDs()) == 2
	}, 2*time.Second, time.Millisecond)
	joinWithin(t, p, time.Second)
}

func TestPacesToPlaybackRate(t *testing.T) {
	p, _, engines := newTestPump(t, &fakeSource{frames: 4, fps: 50}, NewControlState(true), Options{})
	assert.Equal(t, 50.0, p.PlaybackFPS())

	start := time.Now()
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		e := engines.all()
		return len(e) == 1 && len(e[0].sequenceIDs()) == 4
	}, 2*time.Second, time.Millisecond)
	elapsed := time.Since(start)
	joinWithin(t, p, time.Second)

	// three full 20ms intervals separate four frames
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestPreprocessConvertsColorAndFlagsDepth(t *testing.T) {
	source := &fakeSource{
		frames: 1,
		fps:    30,
		color: func() image.Image {
			img := image.NewRGBA(image.Rect(0, 0, 4, 3))
			for i := range img.Pix {
				img.Pix[i] = 255
			}
			return img
		},
		depth: func() image.Image {
			img := image.NewRGBA(image.Rect(0, 0, 4, 3))
			img.Set(1, 1, color.RGBA{R: 10, G: 10, B: 10, A: 255})
			return img
		},
	}
	p, _, engines := newTestPump(t, source, NewControlState(true), Options{PlaybackRate: "0"})

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		e := engines.all()
		return len(e) == 1 && len(e[0].sequenceIDs()) == 1
	}, 2*time.Second, time.Millisecond)
	joinWithin(t, p, time.Second)

	frame := engines.all()[0].frames[0]
	require.NotNil(t, frame.Color)
	assert.Equal(t, uint8(255), frame.Color.GrayAt(0, 0).Y)
	require.NotNil(t, frame.Depth)
	assert.Equal(t, 4, frame.Depth.Width)
	assert.Greater(t, frame.Depth.At(1, 1), float32(0))
	assert.EqualValues(t, 1, p.Metrics()["depth_channel_warns_total"])
}

func TestDecodeFailureIsSkipped(t *testing.T) {
	source := &fakeSource{
		frames: 3,
		fps:    30,
		errAt:  map[int]error{1: errors.Wrap(dataset.ErrDecode, "rgb/2.png")},
	}
	p, _, engines := newTestPump(t, source, NewControlState(true), Options{PlaybackRate: "0"})

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		e := engines.all()
		return len(e) == 1 && len(e[0].sequenceIDs()) == 2
	}, 2*time.Second, time.Millisecond)
	joinWithin(t, p, time.Second)

	engine := engines.all()[0]
	assert.Equal(t, []int{0, 1}, engine.sequenceIDs())
	assert.Equal(t, 2.0, engine.frames[1].Timestamp)
	assert.EqualValues(t, 1, p.Metrics()["decode_failures_total"])
}

func TestEngineFactoryFailureRetries(t *testing.T) {
	source := &fakeSource{frames: 3, fps: 30}
	sink := &fakeSink{}
	engines := &engineRecorder{failN: 1}
	p, err := New(source, identityUndistorter{}, sink, engines.factory, NewControlState(true), Options{PlaybackRate: "0"})
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		e := engines.all()
		return len(e) == 1 && len(e[0].sequenceIDs()) == 3
	}, 2*time.Second, time.Millisecond)
	joinWithin(t, p, time.Second)

	engine := engines.all()[0]
	assert.Equal(t, []int{0, 1, 2}, engine.sequenceIDs())
	assert.Equal(t, 0.0, engine.frames[0].Timestamp)
	assert.Equal(t, 2.0, engine.frames[2].Timestamp)
	assert.EqualValues(t, 1, p.Metrics()["engine_failures_total"])

	published, _ := sink.counts()
	assert.Equal(t, 3, published)
}

func TestResetDropsFrameWaitingForEngine(t *testing.T) {
	source := &fakeSource{frames: 3, fps: 30}
	control := NewControlState(true)
	engines := &engineRecorder{failN: 1 << 30}
	p, err := New(source, identityUndistorter{}, &fakeSink{}, engines.factory, control, Options{PlaybackRate: "0", IdleWait: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		failures, _ := p.Metrics()["engine_failures_total"].(uint64)
		return failures >= 2
	}, 2*time.Second, time.Millisecond)

	// only the first pair was read while the engine was unavailable
	source.mu.Lock()
	assert.Equal(t, 1, source.next)
	source.mu.Unlock()

	engines.mu.Lock()
	engines.failN = 0
	engines.mu.Unlock()
	control.RequestReset()

	require.Eventually(t, func() bool {
		e := engines.all()
		return len(e) == 1 && len(e[0].sequenceIDs()) == 3
	}, 2*time.Second, time.Millisecond)
	joinWithin(t, p, time.Second)

	engine := engines.all()[0]
	assert.Equal(t, []int{0, 1, 2}, engine.sequenceIDs())
	assert.Equal(t, 0.0, engine.frames[0].Timestamp)
}

func TestSkipsFramesOfForeignSize(t *testing.T) {
	calls := 0
	source := &fakeSource{
		frames: 3,
		fps:    30,
		color: func() image.Image {
			calls++
			if calls == 2 {
				return image.NewGray(image.Rect(0, 0, 5, 5))
			}
			return image.NewGray(image.Rect(0, 0, 4, 3))
		},
	}
	p, _, engines := newTestPump(t, source, NewControlState(true), Options{PlaybackRate: "0"})

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		e := engines.all()
		return len(e) == 1 && len(e[0].sequenceIDs()) == 2
	}, 2*time.Second, time.Millisecond)
	joinWithin(t, p, time.Second)

	engine := engines.all()[0]
	assert.Equal(t, []int{0, 1}, engine.sequenceIDs())
	assert.Equal(t, 2.0, engine.frames[1].Timestamp)
	assert.EqualValues(t, 1, p.Metrics()["size_mismatches_total"])
}

func TestContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, _, _ := newTestPump(t, &fakeSource{fps: 30}, NewControlState(true), Options{IdleWait: time.Millisecond})

	require.NoError(t, p.Start(ctx))
	cancel()
	require.Eventually(t, func() bool {
		return p.State() == StateStopped
	}, time.Second, time.Millisecond)
	joinWithin(t, p, time.Second)
}

func TestNewRejectsBadRate(t *testing.T) {
	_, err := New(&fakeSource{fps: 30}, identityUndistorter{}, &fakeSink{}, (&engineRecorder{}).factory, NewControlState(true), Options{PlaybackRate: "fps +"})
	assert.Error(t, err)
}
