package tools

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nugget/suvfin/internal/brl"
)

// Args holds decoded tool input. Accessors coerce the loosely typed
// JSON the model produces into the primitive declared in the schema.
type Args map[string]any

// Has reports whether key is present and not null.
func (a Args) Has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

// String returns key as trimmed text. Numbers and booleans are
// formatted; anything else yields "".
func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// Float returns key as a number. Strings are parsed as Brazilian or
// plain amounts ("89,90", "R$ 1.234,56", "45").
func (a Args) Float(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		return brl.Parse(v)
	}
	return 0, false
}

// Int returns key as an integer, or def when absent or unparseable.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns key as a boolean. The strings "true", "sim" and "1" are
// true.
func (a Args) Bool(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "sim", "s", "1", "yes":
			return true
		}
	case float64:
		return v != 0
	}
	return false
}
