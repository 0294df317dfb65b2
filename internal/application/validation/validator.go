// Package validation checks analyzer output against its declared outputs.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	"github.com/bryanwahyu/analyzer-engine/internal/logging"
)

var logger = logging.For("validation")

// dateLayouts accepted for "date" outputs.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// MalformedOutputError is returned when the output cannot be parsed or a
// declared key carries a value of the wrong type.
type MalformedOutputError struct {
	Reason string
	// Keys holds one "key: problem" entry per offending output key.
	Keys []string
}

func (e *MalformedOutputError) Error() string {
	if len(e.Keys) == 0 {
		return "malformed output: " + e.Reason
	}
	return fmt.Sprintf("malformed output: %s (%s)", e.Reason, strings.Join(e.Keys, "; "))
}

// Result is a validated report.
type Result struct {
	// Values has one entry per declared output; missing ones are nil.
	Values map[string]any
	// Dropped lists undeclared keys found in the output, sorted.
	Dropped []string
	// Missing lists declared keys the output did not provide, sorted.
	Missing []string
}

// Validate parses raw script output and checks it against outputs.
func Validate(raw []byte, outputs []analyzers.Output) (*Result, error) {
	obj, err := parse(raw)
	if err != nil {
		return nil, err
	}

	res := &Result{Values: make(map[string]any, len(outputs))}
	declared := make(map[string]struct{}, len(outputs))
	var bad []string

	for _, out := range outputs {
		declared[out.KeyName] = struct{}{}
		v, present := obj[out.KeyName]
		if !present || v == nil {
			res.Values[out.KeyName] = nil
			res.Missing = append(res.Missing, out.KeyName)
			continue
		}
		checked, err := check(out, v)
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", out.KeyName, err))
			continue
		}
		if checked == nil {
			res.Values[out.KeyName] = nil
			res.Missing = append(res.Missing, out.KeyName)
			continue
		}
		res.Values[out.KeyName] = checked
	}
	if len(bad) > 0 {
		return nil, &MalformedOutputError{Reason: "type mismatch", Keys: bad}
	}

	for k := range obj {
		if _, ok := declared[k]; !ok {
			res.Dropped = append(res.Dropped, k)
		}
	}
	sort.Strings(res.Dropped)
	sort.Strings(res.Missing)
	if len(res.Dropped) > 0 {
		logger.WithFields(logrus.Fields{"keys": res.Dropped}).Warn("dropping undeclared output keys")
	}
	return res, nil
}

// parse reads the whole output as a JSON object, falling back to its last
// non-empty line so scripts may log before printing the result.
func parse(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &MalformedOutputError{Reason: "empty output"}
	}
	if obj, ok := decodeObject(trimmed); ok {
		return obj, nil
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if obj, ok := decodeObject(line); ok {
			return obj, nil
		}
		break
	}
	return nil, &MalformedOutputError{Reason: "output is not a JSON object"}
}

func decodeObject(b []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return obj, true
}

// check validates v against out and returns the value to persist. A
// {"value": v, "desc": "..."} wrapper is kept, with its inner value checked.
func check(out analyzers.Output, v any) (any, error) {
	if m, ok := v.(map[string]any); ok {
		inner, has := m["value"]
		if !has {
			return nil, fmt.Errorf("expected %s, got object", out.ValueType)
		}
		if inner == nil {
			return nil, nil
		}
		norm, err := checkScalar(out, inner)
		if err != nil {
			return nil, err
		}
		wrapped := make(map[string]any, len(m))
		for k, x := range m {
			wrapped[k] = x
		}
		wrapped["value"] = norm
		return wrapped, nil
	}
	return checkScalar(out, v)
}

func checkScalar(out analyzers.Output, v any) (any, error) {
	switch out.ValueType {
	case analyzers.OutputInt:
		n, ok := v.(json.Number)
		if !ok {
			return nil, mismatch(out.ValueType, v)
		}
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		// whole floats like 3.0 are accepted; -2^63 <= f < 2^63 fits int64
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= -math.MinInt64 {
			return nil, fmt.Errorf("expected int, got %s", n)
		}
		return int64(f), nil

	case analyzers.OutputRange:
		n, ok := v.(json.Number)
		if !ok {
			return nil, mismatch(out.ValueType, v)
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("expected range, got %s", n)
		}
		if b, ok := out.Bounds(); ok {
			if b.From != nil && f < *b.From {
				return nil, fmt.Errorf("%v below range minimum %v", f, *b.From)
			}
			if b.To != nil && f > *b.To {
				return nil, fmt.Errorf("%v above range maximum %v", f, *b.To)
			}
		}
		return f, nil

	case analyzers.OutputBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, mismatch(out.ValueType, v)

	case analyzers.OutputStr:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, mismatch(out.ValueType, v)

	case analyzers.OutputDate:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(out.ValueType, v)
		}
		for _, layout := range dateLayouts {
			if _, err := time.Parse(layout, s); err == nil {
				return s, nil
			}
		}
		return nil, fmt.Errorf("expected date, got %q", s)
	}
	return nil, fmt.Errorf("unknown declared type %q", out.ValueType)
}

func mismatch(want analyzers.OutputType, v any) error {
	return fmt.Errorf("expected %s, got %s", want, kindOf(v))
}

func kindOf(v any) string {
	switch v.(type) {
	case json.Number:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
