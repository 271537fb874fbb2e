package output

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// NormalizeJSONValue rewrites a decoded CBOR value so encoding/json accepts
// it: map keys become strings, byte strings become base64 and unexpanded
// tags become {"tag", "value"} objects.
func NormalizeJSONValue(v any) any {
	switch value := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			out[fmt.Sprint(key)] = NormalizeJSONValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			out[key] = NormalizeJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = NormalizeJSONValue(item)
		}
		return out
	case []byte:
		return base64.StdEncoding.EncodeToString(value)
	case cbor.Tag:
		return map[string]any{
			"tag":   value.Number,
			"value": NormalizeJSONValue(value.Content),
		}
	default:
		return value
	}
}
