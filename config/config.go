// Package config populates a struct from environment variables and
// struct-tag defaults, with a predictable precedence: environment
// variables override defaults. Environment names are derived from the
// field path in SCREAMING_SNAKE_CASE unless overridden by an `env` tag.
// Fields are required unless tagged `optional:"true"`.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Tag names recognized on config struct fields.
const (
	envTag      = "env"      // Environment variable name override
	defaultTag  = "default"  // Default value
	optionalTag = "optional" // Mark field as optional
)

// ErrNotPointerToStruct is returned when cfg is not a pointer to a struct.
var ErrNotPointerToStruct = errors.New("config: cfg must be a pointer to a struct")

// Options holds options for the Parse function.
type Options struct {
	// EnvPrefix is prepended (with an underscore) to derived environment
	// variable names. Names from `env` tags are used verbatim.
	EnvPrefix string
}

// Parse populates cfg from struct-tag defaults and then environment
// variables, and validates that no required field is left at its zero
// value. Supported field kinds: string, int, bool, and time.Duration.
func Parse(cfg any, options Options) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return ErrNotPointerToStruct
	}

	fields := walkStruct(v.Elem(), "")

	var multi MultiError
	for _, f := range fields {
		if def, ok := f.tag.Lookup(defaultTag); ok {
			if err := setValue(f, def); err != nil {
				multi.Errors = append(multi.Errors, err)
			}
		}
	}
	for _, f := range fields {
		name := toScreamingSnakeCase(f.path)
		if options.EnvPrefix != "" {
			name = options.EnvPrefix + "_" + name
		}
		if tagged, ok := f.tag.Lookup(envTag); ok {
			name = tagged
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setValue(f, raw); err != nil {
			multi.Errors = append(multi.Errors, err)
		}
	}
	if len(multi.Errors) > 0 {
		return &multi
	}

	if err := validateRequired(fields); err != nil {
		return err
	}
	return nil
}

// field is one settable leaf of the config struct.
type field struct {
	path  string
	value reflect.Value
	tag   reflect.StructTag
}

func walkStruct(v reflect.Value, currPath string) map[string]field {
	fields := map[string]field{}
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		fv := v.Field(i)
		sf := t.Field(i)

		path := sf.Name
		if currPath != "" {
			path = currPath + "." + sf.Name
		}

		// Fields already populated by the caller are left alone.
		if fv.Kind() != reflect.Struct && !fv.IsZero() {
			continue
		}

		// Durations are int64 under the hood; treat them as leaves.
		if fv.Kind() == reflect.Struct {
			maps.Copy(fields, walkStruct(fv, path))
			continue
		}

		fields[path] = field{path: path, value: fv, tag: sf.Tag}
	}
	return fields
}

func setValue(f field, raw string) error {
	if f.value.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", f.path, err)
		}
		f.value.SetInt(int64(d))
		return nil
	}

	switch f.value.Kind() {
	case reflect.String:
		f.value.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", f.path, err)
		}
		f.value.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", f.path, err)
		}
		f.value.SetBool(b)
	default:
		return fmt.Errorf("config: %s: unsupported kind %s", f.path, f.value.Kind())
	}
	return nil
}

func validateRequired(fields map[string]field) error {
	var multi MultiError

	for path, f := range fields {
		opt, ok := f.tag.Lookup(optionalTag)
		if ok && opt != "false" {
			continue
		}
		if f.value.IsZero() {
			multi.Errors = append(multi.Errors, fmt.Errorf("config: %s is required", path))
		}
	}

	if len(multi.Errors) > 0 {
		return &multi
	}
	return nil
}

func toScreamingSnakeCase(s string) string {
	r := []rune(s)
	var b strings.Builder

	for i, char := range r {
		if char == '.' {
			b.WriteRune('_')
			continue
		}
		if isUpper := char >= 'A' && char <= 'Z'; isUpper && i > 0 && r[i-1] != '.' {
			prevLower := r[i-1] >= 'a' && r[i-1] <= 'z'
			nextLower := i+1 < len(r) && r[i+1] >= 'a' && r[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteRune('_')
			}
		}
		b.WriteRune(char)
	}
	return strings.ToUpper(b.String())
}
