package dataset

import (
	"bufio"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// IndexEntry is one parsed line of the dataset index.
type IndexEntry struct {
	Timestamp float64
	ColorPath string
	DepthPath string
}

type indexLine struct {
	timestamp float64
	color     string
	depth     string
}

// parseIndexLine parses
//
//	<timestampNanos> <colorRelPath>;<token> <depthRelPath>
//
// The line is split on the first ';', the color half on its first space and
// the depth path is whatever follows the first space of the depth half.
// ok is false for blank lines and for lines whose color half is unusable; a
// usable color half with a missing depth half yields an empty depth.
func parseIndexLine(line string) (indexLine, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return indexLine{}, false
	}

	colorHalf, depthHalf, hasDepth := strings.Cut(line, ";")
	stamp, colorPath, ok := strings.Cut(colorHalf, " ")
	if !ok {
		return indexLine{}, false
	}
	nanos, err := strconv.ParseFloat(stamp, 64)
	if err != nil {
		return indexLine{}, false
	}
	colorPath = strings.TrimSpace(colorPath)
	if colorPath == "" {
		return indexLine{}, false
	}

	entry := indexLine{
		timestamp: nanos / 1e9,
		color:     colorPath,
	}
	if hasDepth {
		if _, depthPath, ok := strings.Cut(depthHalf, " "); ok {
			entry.depth = strings.TrimSpace(depthPath)
		}
	}
	return entry, true
}

// readIndex collects the parallel timestamp, color and depth lists. Paths are
// joined onto imageFolder.
func readIndex(r io.Reader, imageFolder string) ([]float64, []string, []string, error) {
	var (
		timestamps []float64
		colors     []string
		depths     []string
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry, ok := parseIndexLine(scanner.Text())
		if !ok {
			continue
		}
		timestamps = append(timestamps, entry.timestamp)
		colors = append(colors, filepath.Join(imageFolder, entry.color))
		if entry.depth != "" {
			depths = append(depths, filepath.Join(imageFolder, entry.depth))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, nil, err
	}
	return timestamps, colors, depths, nil
}
