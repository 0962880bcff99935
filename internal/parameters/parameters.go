// Package parameters handles generic configuration Params, a map[string]string that the
// user can set, typically from a comma-separated "key=value" configuration string.
package parameters

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params represent generic configuration parameters.
type Params map[string]string

// NewFromConfigString create params from user's configuration string, in the form
// "key1=value1,key2,key3=value3". Keys without a value map to the empty string, which
// for booleans is interpreted as true.
//
// See GetParamOr and PopParamOr to parse values from this map.
func NewFromConfigString(config string) Params {
	params := make(Params)
	if config == "" {
		return params
	}
	for _, part := range strings.Split(config, ",") {
		subParts := strings.SplitN(part, "=", 2) // Split into up to 2 parts to handle '=' in values.
		if len(subParts) == 1 {
			params[subParts[0]] = ""
		} else {
			params[subParts[0]] = subParts[1]
		}
	}
	return params
}

// PopParamOr is like GetParamOr, but it also deletes from the params map the retrieved parameter.
func PopParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr attempts to parse a parameter to the given type if the key is present, or
// returns the defaultValue if not.
//
// For bool types, a key without a value is interpreted as true.
func GetParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	valueStr, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	var t T
	toT := func(v any) T { return v.(T) }
	switch (any)(defaultValue).(type) {
	case string:
		return toT(valueStr), nil
	case int:
		if valueStr == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.Atoi(valueStr)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, valueStr)
		}
		return toT(parsed), nil
	case float32:
		if valueStr == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(valueStr, 32)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, valueStr)
		}
		return toT(float32(parsed)), nil
	case float64:
		if valueStr == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(valueStr, 64)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, valueStr)
		}
		return toT(parsed), nil
	case bool:
		lower := strings.ToLower(valueStr)
		if valueStr == "" || lower == "true" || valueStr == "1" { // Empty value is considered "true".
			return toT(true), nil
		}
		if lower == "false" || valueStr == "0" {
			return toT(false), nil
		}
		return defaultValue, errors.Errorf("failed to parse configuration %s=%q to bool", key, valueStr)
	}
	return defaultValue, nil
}
