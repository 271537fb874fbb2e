package output

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// A raw log is the magic followed by records of a recordHeaderSize header
// (little-endian uint64 unix-nano time, uint32 payload size) and the payload.
// RawLogWriter produces this layout and RawLogReader consumes it.
const (
	rawLogMagic      = "RGBDRAW1"
	recordHeaderSize = 12
)

func putRecordHeader(header []byte, at time.Time, size int) {
	binary.LittleEndian.PutUint64(header[:8], uint64(at.UnixNano()))
	binary.LittleEndian.PutUint32(header[8:recordHeaderSize], uint32(size))
}

func parseRecordHeader(header []byte) (time.Time, uint32) {
	ts := int64(binary.LittleEndian.Uint64(header[:8]))
	return time.Unix(0, ts), binary.LittleEndian.Uint32(header[8:recordHeaderSize])
}

type RawLogWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create raw log dir")
	}
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", RunTimestamp(time.Now()), prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrap(err, "create raw log")
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(rawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RawLogWriter{
		f:    f,
		w:    w,
		path: filename,
	}, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

func (r *RawLogWriter) Record(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	var header [recordHeaderSize]byte
	putRecordHeader(header[:], time.Now(), len(payload))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// RawRecord is one entry read back from a raw log.
type RawRecord struct {
	Time    time.Time
	Payload []byte
}

type RawLogReader struct {
	r io.Reader
}

// NewRawLogReader checks the magic and positions r at the first record.
func NewRawLogReader(r io.Reader) (*RawLogReader, error) {
	header := make([]byte, len(rawLogMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "read magic")
	}
	if string(header) != rawLogMagic {
		return nil, errors.Errorf("unexpected rawlog magic %q", string(header))
	}
	return &RawLogReader{r: bufio.NewReader(r)}, nil
}

// Next returns the next record, or io.EOF after the last complete one.
// A truncated trailing record also ends the log.
func (l *RawLogReader) Next() (RawRecord, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(l.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return RawRecord{}, io.EOF
		}
		return RawRecord{}, err
	}
	at, size := parseRecordHeader(header[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(l.r, payload); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return RawRecord{}, io.EOF
		}
		return RawRecord{}, errors.Wrap(err, "read payload")
	}
	return RawRecord{Time: at, Payload: payload}, nil
}
