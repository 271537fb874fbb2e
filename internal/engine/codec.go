package engine

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"rgbd-replay-go/internal/types"
)

// RFC 8746 typed array tags.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16LE      = 69
	tagFloat16LE     = 84
	tagFloat32LE     = 85
)

const (
	DepthFloat32 = "float32"
	DepthFloat16 = "float16"
	DepthUint16  = "uint16"
)

const (
	MessageStart = "start"
	MessageFrame = "frame"
	MessageEnd   = "end"
)

func ValidDepthEncoding(name string) bool {
	switch name {
	case DepthFloat32, DepthFloat16, DepthUint16:
		return true
	default:
		return false
	}
}

// EncodeStart builds the message that opens a run. Everything the engine
// needs to construct its tracker is in here.
func EncodeStart(runID string, params StartParams) ([]byte, error) {
	return cbor.Marshal(map[string]any{
		"type":           MessageStart,
		"run_id":         runID,
		"width":          params.Width,
		"height":         params.Height,
		"k":              params.K[:],
		"settings":       params.Settings,
		"depth_encoding": params.DepthEncoding,
		"created":        float64(time.Now().UnixNano()) / 1e9,
	})
}

// EncodeFrame packs one frame as {type, run_id, sequence_id, timestamp,
// color, depth}. Color is a uint8 matrix, depth uses the requested encoding.
func EncodeFrame(runID string, frame types.Frame, depthEncoding string) ([]byte, error) {
	if frame.Color == nil || frame.Depth == nil {
		return nil, errors.New("frame is missing an image")
	}
	depth, err := depthArray(frame.Depth, depthEncoding)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(map[string]any{
		"type":        MessageFrame,
		"run_id":      runID,
		"sequence_id": frame.SequenceID,
		"timestamp":   frame.Timestamp,
		"color":       grayArray(frame.Color),
		"depth":       depth,
	})
}

func EncodeEnd(runID string, stats map[string]any) ([]byte, error) {
	return cbor.Marshal(map[string]any{
		"type":   MessageEnd,
		"run_id": runID,
		"stats":  stats,
	})
}

func multiDim(rows, cols int, flat cbor.Tag) cbor.Tag {
	return cbor.Tag{
		Number:  tagMultiDimArray,
		Content: []any{[]int{rows, cols}, flat},
	}
}

func grayArray(img *image.Gray) cbor.Tag {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	flat := make([]byte, 0, w*h)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		flat = append(flat, img.Pix[off:off+w]...)
	}
	return multiDim(h, w, cbor.Tag{Number: tagUint8, Content: flat})
}

func depthArray(depth *types.DepthImage, encoding string) (cbor.Tag, error) {
	var flat cbor.Tag
	switch encoding {
	case DepthFloat32, "":
		data := make([]byte, 4*len(depth.Pix))
		for i, v := range depth.Pix {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
		}
		flat = cbor.Tag{Number: tagFloat32LE, Content: data}
	case DepthFloat16:
		data := make([]byte, 2*len(depth.Pix))
		for i, v := range depth.Pix {
			binary.LittleEndian.PutUint16(data[i*2:], float16.Fromfloat32(v).Bits())
		}
		flat = cbor.Tag{Number: tagFloat16LE, Content: data}
	case DepthUint16:
		data := make([]byte, 2*len(depth.Pix))
		for i, v := range depth.Pix {
			binary.LittleEndian.PutUint16(data[i*2:], clampUint16(v))
		}
		flat = cbor.Tag{Number: tagUint16LE, Content: data}
	default:
		return cbor.Tag{}, errors.Errorf("unknown depth encoding %q", encoding)
	}
	return multiDim(depth.Height, depth.Width, flat), nil
}

func clampUint16(v float32) uint16 {
	switch {
	case v <= 0 || math.IsNaN(float64(v)):
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(v + 0.5)
	}
}

// DecodeMessage unmarshals an engine message and expands every typed array
// into a Go matrix ([][]uint8, [][]uint16 or [][]float32).
func DecodeMessage(payload []byte) (map[string]any, error) {
	var msg map[string]any
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	for key, value := range msg {
		if tag, ok := value.(cbor.Tag); ok && tag.Number == tagMultiDimArray {
			matrix, err := decodeMultiDimArray(tag)
			if err != nil {
				return nil, errors.Wrapf(err, "field %s", key)
			}
			msg[key] = matrix
		}
	}
	return msg, nil
}

func decodeMultiDimArray(value any) (any, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return nil, fmt.Errorf("expected multidim tag 40")
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return nil, fmt.Errorf("invalid multidim dimensions")
	}

	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return nil, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return nil, err
	}

	flat, err := decodeTypedArray(items[1])
	if err != nil {
		return nil, err
	}

	switch v := flat.(type) {
	case []uint8:
		return reshape(v, rows, cols)
	case []uint16:
		return reshape(v, rows, cols)
	case []float32:
		return reshape(v, rows, cols)
	default:
		return nil, errors.New("unsupported typed array type")
	}
}

func decodeTypedArray(value any) (any, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag")
	}
	data, ok := tag.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported typed array content %T", tag.Content)
	}

	switch tag.Number {
	case tagUint8:
		return data, nil
	case tagUint16LE:
		out := make([]uint16, len(data)/2)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(data[i*2:])
		}
		return out, nil
	case tagFloat16LE:
		out := make([]float32, len(data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
		return out, nil
	case tagFloat32LE:
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
}

func reshape[T any](flat []T, rows, cols int) ([][]T, error) {
	if rows*cols != len(flat) {
		return nil, errors.New("dimension mismatch")
	}
	out := make([][]T, rows)
	for r := 0; r < rows; r++ {
		row := make([]T, cols)
		copy(row, flat[r*cols:(r+1)*cols])
		out[r] = row
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}
