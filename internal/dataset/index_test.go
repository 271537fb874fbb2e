package dataset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseIndexLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
		want indexLine
	}{
		{
			name: "well formed",
			line: "1305031102175304000 rgb/1305031102.175304.png;depth 1305031102160407000 depth/1305031102.160407.png",
			ok:   true,
			want: indexLine{timestamp: 1305031102.175304, color: "rgb/1305031102.175304.png", depth: "depth/1305031102.160407.png"},
		},
		{
			name: "crlf line ending",
			line: "1000000000 rgb/1.png;depth 1000000000 depth/1.png\r",
			ok:   true,
			want: indexLine{timestamp: 1, color: "rgb/1.png", depth: "depth/1.png"},
		},
		{
			name: "space before separator",
			line: "1000000000 rgb/1.png ;depth 1000000000 depth/1.png",
			ok:   true,
			want: indexLine{timestamp: 1, color: "rgb/1.png", depth: "depth/1.png"},
		},
		{
			name: "missing depth half",
			line: "1000000000 rgb/1.png",
			ok:   true,
			want: indexLine{timestamp: 1, color: "rgb/1.png"},
		},
		{name: "blank", line: "   ", ok: false},
		{name: "no space", line: "1000000000;depth", ok: false},
		{name: "bad timestamp", line: "abc rgb/1.png;d x depth/1.png", ok: false},
		{name: "empty color path", line: "1000000000 ;d x depth/1.png", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseIndexLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want.timestamp, got.timestamp, 1e-6)
				assert.Equal(t, tt.want.color, got.color)
				assert.Equal(t, tt.want.depth, got.depth)
			}
		})
	}
}

func TestReadIndexSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		"# comment line",
		"1000000000 rgb/1.png;depth 1000000000 depth/1.png",
		"",
		"2000000000 rgb/2.png;depth 2000000000 depth/2.png",
	}, "\n")

	stamps, colors, depths, err := readIndex(strings.NewReader(input), "base")
	assert.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, stamps)
	assert.Equal(t, []string{"base/rgb/1.png", "base/rgb/2.png"}, colors)
	assert.Equal(t, []string{"base/depth/1.png", "base/depth/2.png"}, depths)
}
