package pump

import "sync/atomic"

type metrics struct {
	framesTracked     atomic.Uint64
	idleTicks         atomic.Uint64
	fetchFailures     atomic.Uint64
	decodeFailures    atomic.Uint64
	resets            atomic.Uint64
	enginesCreated    atomic.Uint64
	engineFailures    atomic.Uint64
	trackErrors       atomic.Uint64
	depthChannelWarns atomic.Uint64
	sizeMismatches    atomic.Uint64
	lateFrames        atomic.Uint64
	processCount      atomic.Uint64
	processNanos      atomic.Uint64
	lastSequenceID    atomic.Int64
}

func (m *metrics) snapshot() map[string]any {
	return map[string]any{
		"frames_tracked_total":      m.framesTracked.Load(),
		"idle_ticks_total":          m.idleTicks.Load(),
		"fetch_failures_total":      m.fetchFailures.Load(),
		"decode_failures_total":     m.decodeFailures.Load(),
		"resets_total":              m.resets.Load(),
		"engines_created_total":     m.enginesCreated.Load(),
		"engine_failures_total":     m.engineFailures.Load(),
		"track_errors_total":        m.trackErrors.Load(),
		"depth_channel_warns_total": m.depthChannelWarns.Load(),
		"size_mismatches_total":     m.sizeMismatches.Load(),
		"late_frames_total":         m.lateFrames.Load(),
		"process_total":             m.processCount.Load(),
		"process_nanos_total":       m.processNanos.Load(),
		"last_sequence_id":          m.lastSequenceID.Load(),
	}
}
