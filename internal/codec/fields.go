// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Fields is one decoded record keyed by target name. Values are string,
// int64, float64 or bool.
type Fields map[string]any

func (f Fields) Has(name string) bool {
	_, ok := f[name]
	return ok
}

func (f Fields) String(name string) string {
	switch v := f[name].(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func (f Fields) Int(name string) int64 {
	switch v := f[name].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		i, _ := strconv.ParseInt(v, 10, 64)
		return i
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

func (f Fields) Float(name string) float64 {
	switch v := f[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case string:
		x, _ := strconv.ParseFloat(v, 64)
		return x
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

func (f Fields) Bool(name string) bool {
	switch v := f[name].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

var errNotScalar = errors.New("value is not a scalar")

// convert turns a raw wire value (string, json.Number, bool) into the
// field's kind in base units. An empty numeric string is reported as absent.
func convert(raw any, fd Field) (any, bool, error) {
	var text string
	switch v := raw.(type) {
	case string:
		text = v
	case json.Number:
		text = v.String()
	case bool:
		switch fd.Kind {
		case Bool:
			return v, true, nil
		case String:
			return strconv.FormatBool(v), true, nil
		}
		return nil, false, fmt.Errorf("boolean %t for numeric field", v)
	default:
		return nil, false, errNotScalar
	}

	switch fd.Kind {
	case String:
		return text, true, nil
	case Int:
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, false, nil
		}
		i, err := parseInt(text)
		if err != nil {
			return nil, false, err
		}
		b, err := fd.Unit.toBaseInt(i)
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	case Float:
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, false, nil
		}
		x, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, false, err
		}
		return fd.Unit.toBaseFloat(x), true, nil
	case Bool:
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, false, nil
		}
		switch strings.ToLower(text) {
		case "yes", "on", "enabled":
			return true, true, nil
		case "no", "off", "disabled":
			return false, true, nil
		}
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	}
	return nil, false, fmt.Errorf("unknown kind %d", fd.Kind)
}

// parseInt accepts integers and integral floats such as "100.0" or "1e3".
func parseInt(text string) (int64, error) {
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i, nil
	}
	x, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) || math.Abs(x) > math.MaxInt64 {
		return 0, fmt.Errorf("%q is not an integer", text)
	}
	return int64(x), nil
}

// render converts a base-unit value back into vendor units. The result is
// int64, float64, bool or string.
func render(v any, fd Field) any {
	switch fd.Kind {
	case Int:
		switch x := v.(type) {
		case int64:
			return fd.Unit.fromBaseInt(x)
		case float64:
			return fd.Unit.fromBaseInt(int64(x))
		}
	case Float:
		switch x := v.(type) {
		case float64:
			return fd.Unit.fromBaseFloat(x)
		case int64:
			return fd.Unit.fromBaseFloat(float64(x))
		}
	}
	return v
}

func renderText(v any, fd Field) string {
	switch x := render(v, fd).(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}
