package config

import (
	"encoding/json"
	"strconv"
	"unicode/utf8"
)

// Options is a loose JSON option bag (parser options, source options).
//
// Getters never fail: a missing key or a value of the wrong shape returns the
// default. Numbers decoded from JSON arrive as float64 and are converted.
type Options map[string]any

func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

func (o Options) Bool(key string, def bool) bool {
	switch v := o.Any(key).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (o Options) Int(key string, def int) int {
	switch v := o.Any(key).(type) {
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
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (o Options) String(key, def string) string {
	if v, ok := o.Any(key).(string); ok && v != "" {
		return v
	}
	return def
}

// Rune returns the first rune of a string option, e.g. a CSV delimiter.
// "\t" written literally in JSON arrives as a tab and is accepted.
func (o Options) Rune(key string, def rune) rune {
	v, ok := o.Any(key).(string)
	if !ok || v == "" {
		return def
	}
	r, _ := utf8.DecodeRuneInString(v)
	if r == utf8.RuneError {
		return def
	}
	return r
}

// StringMap returns a string-to-string map option. Non-string values are
// skipped.
func (o Options) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch v := o.Any(key).(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]any:
		for k, raw := range v {
			if s, ok := raw.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
