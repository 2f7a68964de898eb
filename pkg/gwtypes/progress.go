package gwtypes

import (
	"encoding/json"
	"fmt"
	"math"
)

// ProgressToken is the normalized, comparable form of an MCP progress
// token. The wire protocol allows either a string or a number, and decoded
// JSON numbers arrive as float64 (or json.Number, for a decoder configured
// to preserve precision), so anything that keys state off
// _meta.progressToken needs this same coercion. It lives here alongside the
// module's other wire-format coercions (BuildAuthHeaders, NormalizePrefix)
// rather than inside whichever package happens to consume it first.
type ProgressToken struct {
	text   string
	number int64
	isText bool
}

// NormalizeProgressToken coerces a decoded _meta.progressToken value into a
// ProgressToken. It reports false for nil or a value with no sane textual
// or numeric form, such as a NaN or infinite float.
func NormalizeProgressToken(v any) (ProgressToken, bool) {
	switch t := v.(type) {
	case nil:
		return ProgressToken{}, false
	case string:
		return ProgressToken{text: t, isText: true}, true
	case int:
		return ProgressToken{number: int64(t)}, true
	case int32:
		return ProgressToken{number: int64(t)}, true
	case int64:
		return ProgressToken{number: t}, true
	case float64:
		return progressTokenFromFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return ProgressToken{number: i}, true
		}
		if f, err := t.Float64(); err == nil {
			return progressTokenFromFloat(f)
		}
		return ProgressToken{text: t.String(), isText: true}, true
	default:
		return ProgressToken{text: fmt.Sprintf("%v", t), isText: true}, true
	}
}

func progressTokenFromFloat(f float64) (ProgressToken, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ProgressToken{}, false
	}
	if math.Trunc(f) == f {
		return ProgressToken{number: int64(f)}, true
	}
	return ProgressToken{text: fmt.Sprintf("%g", f), isText: true}, true
}

// Wire returns the value to round-trip back onto _meta.progressToken.
func (t ProgressToken) Wire() any {
	if t.isText {
		return t.text
	}
	return t.number
}

// Key returns a string unique within scope that never collides between the
// text and numeric token spaces, suitable for use as a map key.
func (t ProgressToken) Key(scope string) string {
	if t.isText {
		return scope + "|s|" + t.text
	}
	return fmt.Sprintf("%s|i|%d", scope, t.number)
}
