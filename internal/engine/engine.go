// Package engine forwards preprocessed frames to an out-of-process
// perception engine as CBOR messages over a ZeroMQ PUSH socket.
package engine

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rgbd-replay-go/internal/pump"
	"rgbd-replay-go/internal/types"
)

// Recorder keeps a copy of every message sent, see output.RawLogWriter.
type Recorder interface {
	Record(payload []byte) error
}

// StatusSink is implemented by sinks that display engine progress.
type StatusSink interface {
	PublishEngineStatus(status map[string]any)
}

type Options struct {
	Endpoint      string
	DryRun        bool
	DepthEncoding string
	SendTimeout   time.Duration
	Recorder      Recorder
}

// StartParams is the payload of the start message.
type StartParams struct {
	Width         int
	Height        int
	K             [9]float64
	Settings      map[string]any
	DepthEncoding string
}

// Engine is one run of the remote engine, from its start message to its end
// message. It is used by the pump goroutine only.
type Engine struct {
	transport     Transport
	recorder      Recorder
	status        StatusSink
	runID         string
	depthEncoding string
	dryRun        bool
	started       time.Time

	framesSent atomic.Uint64
	bytesSent  atomic.Uint64
	sendErrors atomic.Uint64
	lastSeq    atomic.Int64
	endSent    bool
	closed     bool
}

// Factory returns a pump.EngineFactory that opens a new transport and
// engine run for every reset cycle.
func Factory(opts Options) pump.EngineFactory {
	return func(params pump.EngineParams) (pump.Engine, error) {
		settings, err := LoadSettings(params.SettingsPath)
		if err != nil {
			return nil, err
		}
		var transport Transport = Discard{}
		if !opts.DryRun {
			transport, err = DialZMQ(opts.Endpoint, opts.SendTimeout)
			if err != nil {
				return nil, err
			}
		}
		e, err := New(transport, params, settings, opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// New sends the start message and returns the engine. The transport is
// closed if the start message cannot be sent.
func New(transport Transport, params pump.EngineParams, settings map[string]any, opts Options) (*Engine, error) {
	encoding := opts.DepthEncoding
	if encoding == "" {
		encoding = DepthFloat32
	}
	if !ValidDepthEncoding(encoding) {
		_ = transport.Close()
		return nil, errors.Errorf("unknown depth encoding %q", encoding)
	}

	e := &Engine{
		transport:     transport,
		recorder:      opts.Recorder,
		runID:         params.RunID,
		depthEncoding: encoding,
		dryRun:        opts.DryRun,
		started:       time.Now(),
	}
	if sink, ok := params.Sink.(StatusSink); ok {
		e.status = sink
	}
	e.lastSeq.Store(-1)

	payload, err := EncodeStart(params.RunID, StartParams{
		Width:         params.Width,
		Height:        params.Height,
		K:             params.K,
		Settings:      settings,
		DepthEncoding: encoding,
	})
	if err != nil {
		_ = transport.Close()
		return nil, errors.Wrap(err, "encode start message")
	}
	if err := e.send(payload); err != nil {
		_ = transport.Close()
		return nil, errors.Wrap(err, "send start message")
	}
	e.publishStatus()
	return e, nil
}

func (e *Engine) TrackFrame(frame types.Frame) error {
	payload, err := EncodeFrame(e.runID, frame, e.depthEncoding)
	if err != nil {
		return errors.Wrapf(err, "encode frame %d", frame.SequenceID)
	}
	if err := e.send(payload); err != nil {
		return err
	}
	e.framesSent.Add(1)
	e.lastSeq.Store(int64(frame.SequenceID))
	e.publishStatus()
	return nil
}

// PrintLog logs the run summary and tells the engine the run is over.
func (e *Engine) PrintLog() {
	stats := e.Stats()
	logrus.WithFields(logrus.Fields(stats)).Info("engine run finished")

	if e.endSent || e.closed {
		return
	}
	payload, err := EncodeEnd(e.runID, stats)
	if err != nil {
		logrus.WithError(err).Warn("encode end message")
		return
	}
	if err := e.send(payload); err != nil {
		logrus.WithError(err).Warn("send end message")
		return
	}
	e.endSent = true
}

func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.transport.Close()
}

func (e *Engine) RunID() string {
	return e.runID
}

func (e *Engine) Stats() map[string]any {
	return map[string]any{
		"run_id":           e.runID,
		"dry_run":          e.dryRun,
		"frames_sent":      e.framesSent.Load(),
		"bytes_sent":       e.bytesSent.Load(),
		"send_errors":      e.sendErrors.Load(),
		"last_sequence_id": e.lastSeq.Load(),
		"uptime_s":         time.Since(e.started).Seconds(),
	}
}

func (e *Engine) send(payload []byte) error {
	if e.closed {
		return errors.New("engine is closed")
	}
	if e.recorder != nil {
		if err := e.recorder.Record(payload); err != nil {
			logrus.WithError(err).Debug("raw log record failed")
		}
	}
	if err := e.transport.Send(payload); err != nil {
		e.sendErrors.Add(1)
		return err
	}
	e.bytesSent.Add(uint64(len(payload)))
	return nil
}

func (e *Engine) publishStatus() {
	if e.status != nil {
		e.status.PublishEngineStatus(e.Stats())
	}
}
