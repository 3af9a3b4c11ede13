package governance

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// scanPayload walks every value of payload in key order and returns a
// description of the first numeric value that is NaN, infinite or larger
// in magnitude than bound. Vector strings such as "(1.0, 2.0, nan)" are
// checked element by element.
func scanPayload(payload map[string]any, bound float64) (string, bool) {
	return scanValue("payload", payload, bound)
}

func scanValue(path string, v any, bound float64) (string, bool) {
	switch t := v.(type) {
	case nil, bool:
		return "", true
	case float64:
		return checkNumber(path, t, bound)
	case float32:
		return checkNumber(path, float64(t), bound)
	case int:
		return checkNumber(path, float64(t), bound)
	case int32:
		return checkNumber(path, float64(t), bound)
	case int64:
		return checkNumber(path, float64(t), bound)
	case uint:
		return checkNumber(path, float64(t), bound)
	case uint32:
		return checkNumber(path, float64(t), bound)
	case uint64:
		return checkNumber(path, float64(t), bound)
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return fmt.Sprintf("%s: unparseable number %q", path, t.String()), false
		}
		return checkNumber(path, f, bound)
	case string:
		return scanVectorString(path, t, bound)
	case []float64:
		for i, f := range t {
			if msg, ok := checkNumber(fmt.Sprintf("%s[%d]", path, i), f, bound); !ok {
				return msg, false
			}
		}
	case []any:
		for i, e := range t {
			if msg, ok := scanValue(fmt.Sprintf("%s[%d]", path, i), e, bound); !ok {
				return msg, false
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if msg, ok := scanValue(path+"."+k, t[k], bound); !ok {
				return msg, false
			}
		}
	}
	return "", true
}

func checkNumber(path string, f, bound float64) (string, bool) {
	switch {
	case math.IsNaN(f):
		return path + " is NaN", false
	case math.IsInf(f, 0):
		return path + " is infinite", false
	case math.Abs(f) > bound:
		return fmt.Sprintf("%s magnitude %g exceeds bound %g", path, f, bound), false
	}
	return "", true
}

// scanVectorString checks strings shaped like a parenthesised or bracketed
// list of numbers. Anything else is not numeric and passes.
func scanVectorString(path, s string, bound float64) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return "", true
	}
	open, closing := s[0], s[len(s)-1]
	if !(open == '(' && closing == ')') && !(open == '[' && closing == ']') {
		return "", true
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	values := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil && !isRangeErr(err) {
			return "", true
		}
		values = append(values, f)
	}
	for i, f := range values {
		if msg, ok := checkNumber(fmt.Sprintf("%s[%d]", path, i), f, bound); !ok {
			return msg, false
		}
	}
	return "", true
}

func isRangeErr(err error) bool {
	return errors.Is(err, strconv.ErrRange)
}
