package output

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"rgbd-replay-go/internal/types"
)

// RunTimestamp formats t the way output files are prefixed.
func RunTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// TimingWriter writes one CSV row per processed frame.
type TimingWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

func NewTimingWriter(outputDir string, runTimestamp string) (*TimingWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output dir")
	}
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_timings.csv", runTimestamp))
	f, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrap(err, "create timings file")
	}
	w := bufio.NewWriter(f)
	_, _ = fmt.Fprintln(w, "sequence_id, timestamp, elapsed_ms, delay_ms, late")
	return &TimingWriter{f: f, w: w, path: filename}, nil
}

func (t *TimingWriter) Path() string {
	return t.path
}

func (t *TimingWriter) RecordTiming(timing types.FrameTiming) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return fmt.Errorf("timing writer is closed")
	}
	late := 0
	if timing.Late {
		late = 1
	}
	_, err := fmt.Fprintf(
		t.w,
		"%d, %.6f, %.3f, %.3f, %d\n",
		timing.SequenceID,
		timing.Timestamp,
		float64(timing.Elapsed)/float64(time.Millisecond),
		float64(timing.Delay)/float64(time.Millisecond),
		late,
	)
	return err
}

func (t *TimingWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return nil
	}
	err := t.w.Flush()
	if cerr := t.f.Close(); err == nil {
		err = cerr
	}
	t.w = nil
	return err
}
