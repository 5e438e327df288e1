package sampler

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Params maps parameter names to concrete values. Values are int, float64,
// string or bool.
type Params map[string]any

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Int returns the named parameter as an int, or dflt when absent.
// Floats are truncated.
func (p Params) Int(name string, dflt int) int {
	switch v := p[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return dflt
}

// Float returns the named parameter as a float64, or dflt when absent.
func (p Params) Float(name string, dflt float64) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return dflt
}

func (p Params) String(name, dflt string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return dflt
}

func (p Params) Bool(name string, dflt bool) bool {
	if v, ok := p[name].(bool); ok {
		return v
	}
	return dflt
}

// Value kinds recorded next to persisted parameters.
const (
	KindInt    = "int"
	KindFloat  = "float"
	KindBool   = "bool"
	KindString = "string"
	// KindJSON covers lists, maps and columns mixing scalar kinds.
	KindJSON = "json"
)

// KindOf names the kind of a parameter value.
func KindOf(v any) string {
	switch v.(type) {
	case int, int64:
		return KindInt
	case float64:
		return KindFloat
	case bool:
		return KindBool
	case string:
		return KindString
	}
	return KindJSON
}

// FormatValue renders a scalar so that ParseValue returns it with its type.
// Floats always carry a decimal point or exponent. Lists and maps are
// rendered as JSON.
func FormatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return formatFloat(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	case nil:
		return ""
	}
	return encodeJSON(v)
}

func formatFloat(x float64) string {
	s := strconv.FormatFloat(x, 'g', -1, 64)
	if math.IsInf(x, 0) || math.IsNaN(x) || strings.ContainsAny(s, ".e") {
		return s
	}
	return s + ".0"
}

// ParseValue guesses the type of s. Use DecodeValue when the kind is known.
func ParseValue(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// EncodeValue renders v for a column of the given kind.
func EncodeValue(v any, kind string) string {
	if kind == KindJSON {
		return encodeJSON(v)
	}
	return FormatValue(v)
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(s, kind string) (any, error) {
	switch kind {
	case KindInt:
		return strconv.Atoi(s)
	case KindFloat:
		return strconv.ParseFloat(s, 64)
	case KindBool:
		return strconv.ParseBool(s)
	case KindString:
		return s, nil
	case KindJSON:
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", s, err)
		}
		return fromJSON(v), nil
	}
	return nil, fmt.Errorf("unknown value kind %q", kind)
}

// encodeJSON writes JSON whose numbers keep their int or float identity
// through fromJSON.
func encodeJSON(v any) string {
	var b strings.Builder
	writeJSON(&b, v)
	return b.String()
}

func writeJSON(b *strings.Builder, v any) {
	switch x := v.(type) {
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			q, _ := json.Marshal(formatFloat(x))
			b.Write(q)
			return
		}
		b.WriteString(formatFloat(x))
	case int, int64, bool:
		b.WriteString(FormatValue(x))
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSON(b, e)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			q, _ := json.Marshal(k)
			b.Write(q)
			b.WriteByte(':')
			writeJSON(b, x[k])
		}
		b.WriteByte('}')
	case string:
		q, _ := json.Marshal(x)
		b.Write(q)
	case nil:
		b.WriteString("null")
	default:
		q, _ := json.Marshal(fmt.Sprint(v))
		b.Write(q)
	}
}

func fromJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := strconv.Atoi(s); err == nil {
				return i
			}
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = fromJSON(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = fromJSON(x[k])
		}
		return x
	}
	return v
}
