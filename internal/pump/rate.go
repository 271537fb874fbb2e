package pump

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/Knetic/govaluate.v2"
)

// ParsePlaybackRate evaluates a rate expression such as "fps", "fps*0.5" or
// "30000/1001". The variable fps is bound to the dataset rate. An empty
// expression means the dataset rate.
func ParsePlaybackRate(expr string, sourceFPS float64) (float64, error) {
	if strings.TrimSpace(expr) == "" {
		return sourceFPS, nil
	}
	expression, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid playback rate %q", expr)
	}
	result, err := expression.Evaluate(map[string]interface{}{"fps": sourceFPS})
	if err != nil {
		return 0, errors.Wrapf(err, "evaluate playback rate %q", expr)
	}
	value, ok := result.(float64)
	if !ok {
		return 0, errors.Errorf("playback rate %q is not numeric", expr)
	}
	if math.IsNaN(value) || value < 0 {
		return 0, errors.Errorf("playback rate %q evaluates to %v", expr, value)
	}
	return value, nil
}

// pacingInterval is the wall-clock spacing for fps. Zero disables pacing.
func pacingInterval(fps float64) time.Duration {
	if fps <= 0 || math.IsInf(fps, 0) || math.IsNaN(fps) {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}
