// Package dataset reads TUM-style RGB-D sequences: an index file of
// timestamped color/depth image pairs and the images it points at.
package dataset

import (
	"image"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SequenceReader walks a parsed index forward or backward. It is not safe for
// concurrent use; the pump owns it once playback starts.
type SequenceReader struct {
	imagePath     string
	timestampPath string
	inc           int
	decoder       ImageDecoder

	timestamps []float64
	colorFiles []string
	depthFiles []string
	fps        float64

	id int
}

// NewSequenceReader creates an unopened reader. A nil decoder uses FileDecoder.
func NewSequenceReader(imageFolder, indexFile string, reverse bool, decoder ImageDecoder) *SequenceReader {
	if decoder == nil {
		decoder = FileDecoder{}
	}
	inc := 1
	if reverse {
		inc = -1
	}
	return &SequenceReader{
		imagePath:     imageFolder,
		timestampPath: indexFile,
		inc:           inc,
		decoder:       decoder,
	}
}

// Open parses the index. On failure the reader stays unopened.
func (r *SequenceReader) Open() error {
	if err := r.readImageNames(); err != nil {
		return err
	}

	// sequence length in seconds
	diff := r.timestamps[len(r.timestamps)-1] - r.timestamps[0]
	r.fps = float64(len(r.timestamps)) / diff

	r.Reset()

	logrus.WithFields(logrus.Fields{
		"frames": len(r.timestamps),
		"fps":    r.fps,
		"index":  r.timestampPath,
	}).Info("sequence found")
	return nil
}

// Reset rewinds the cursor to the first frame in traversal order.
func (r *SequenceReader) Reset() {
	if r.inc > 0 {
		r.id = 0
	} else {
		r.id = len(r.colorFiles) - 1
	}
}

func (r *SequenceReader) IsOpened() bool {
	return len(r.colorFiles) > 0
}

func (r *SequenceReader) Len() int {
	return len(r.colorFiles)
}

// FPS is the nominal rate computed by Open.
func (r *SequenceReader) FPS() float64 {
	return r.fps
}

// Entries returns a copy of the parsed index.
func (r *SequenceReader) Entries() []IndexEntry {
	out := make([]IndexEntry, len(r.colorFiles))
	for i := range r.colorFiles {
		out[i] = IndexEntry{
			Timestamp: r.timestamps[i],
			ColorPath: r.colorFiles[i],
			DepthPath: r.depthFiles[i],
		}
	}
	return out
}

// Read decodes the color image under the cursor and advances it. Past either
// end it returns ErrEndOfSequence and leaves the cursor alone. A file that
// fails to decode is still consumed and reported as ErrDecode.
func (r *SequenceReader) Read() (image.Image, float64, error) {
	if r.id < 0 || r.id >= len(r.colorFiles) {
		return nil, 0, ErrEndOfSequence
	}
	path := r.colorFiles[r.id]
	timestamp := r.timestamps[r.id]
	r.id += r.inc

	img, err := r.decoder.Decode(path)
	if err != nil {
		return nil, timestamp, errors.Wrapf(ErrDecode, "color %s: %v", path, err)
	}
	return img, timestamp, nil
}

// ReadDepth decodes the depth image of the entry the last Read consumed.
// It must be called right after Read; the pairing is by call order only.
func (r *SequenceReader) ReadDepth() (image.Image, error) {
	last := r.id - r.inc
	if last < 0 || last >= len(r.depthFiles) {
		return nil, ErrEndOfSequence
	}
	path := r.depthFiles[last]
	img, err := r.decoder.Decode(path)
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "depth %s: %v", path, err)
	}
	return img, nil
}

// ReadPair reads the next color image and its depth image in lockstep.
func (r *SequenceReader) ReadPair() (image.Image, image.Image, float64, error) {
	color, timestamp, err := r.Read()
	if err != nil {
		return nil, nil, timestamp, err
	}
	depth, err := r.ReadDepth()
	if err != nil {
		return nil, nil, timestamp, err
	}
	return color, depth, timestamp, nil
}

func (r *SequenceReader) readImageNames() error {
	r.clear()

	f, err := os.Open(r.timestampPath)
	if err != nil {
		return errors.Wrap(err, "open index")
	}
	defer f.Close()

	timestamps, colors, depths, err := readIndex(f, r.imagePath)
	if err != nil {
		return errors.Wrapf(err, "read index %s", r.timestampPath)
	}

	if len(timestamps) == 0 {
		logrus.WithField("index", r.timestampPath).Warn("index produced no entries")
		return errors.Wrap(ErrEmpty, r.timestampPath)
	}
	if len(timestamps) != len(colors) || len(colors) != len(depths) {
		logrus.WithFields(logrus.Fields{
			"index":      r.timestampPath,
			"timestamps": len(timestamps),
			"colors":     len(colors),
			"depths":     len(depths),
		}).Warn("index entry counts differ")
		return errors.Wrapf(ErrCountMismatch, "%s: %d color, %d depth", r.timestampPath, len(colors), len(depths))
	}

	r.timestamps = timestamps
	r.colorFiles = colors
	r.depthFiles = depths
	return nil
}

func (r *SequenceReader) clear() {
	r.timestamps = nil
	r.colorFiles = nil
	r.depthFiles = nil
	r.id = 0
}
