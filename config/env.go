package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/cast"
)

// DefaultPrefix starts every environment variable read by the zero Loader.
const DefaultPrefix = "RELAY"

var (
	durationType     = reflect.TypeOf(time.Duration(0))
	yamlDurationType = reflect.TypeOf(Duration(0))
	stringSliceType  = reflect.TypeOf([]string(nil))
)

// Loader overlays environment variables on configuration structs.
//
// Variable names follow the pattern
//
//	{Prefix}_{COMPONENT}_{FIELD}
//
// where FIELD is the field's `env` tag or, without a tag, its name in
// UPPER_SNAKE_CASE. A tag of "-" excludes the field. Named struct fields add
// a path segment, embedded ones are flattened:
//
//	RELAY_ORDERS_SOURCE_QUEUE=orders
//	RELAY_ORDERS_SOURCE_ADDR=redis:6379      (ConnConfig is embedded)
//	RELAY_ORDERS_LISTENER_POLL_TIMEOUT=2s
//
// Supported field types are string, bool, the integer and float kinds,
// time.Duration, Duration and []string (comma separated). Other fields are
// skipped.
type Loader struct {
	// Prefix of every variable. Default: "RELAY".
	Prefix string

	// lookup overrides os.LookupEnv in tests.
	lookup func(string) (string, bool)
}

func (l Loader) prefix() string {
	if l.Prefix == "" {
		return DefaultPrefix
	}
	return l.Prefix
}

func (l Loader) lookupEnv(key string) (string, bool) {
	if l.lookup != nil {
		return l.lookup(key)
	}
	return os.LookupEnv(key)
}

// Load sets the fields of the struct pointed to by dst from the variables
// that are present. Fields without a variable keep their value, so Load
// overlays the environment on values decoded from the YAML document.
func (l Loader) Load(component string, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: env target must be a pointer to a struct, got %T", dst)
	}
	return l.load(l.root(component), v.Elem())
}

// Keys lists the variables Load would consult for dst, in field order.
func (l Loader) Keys(component string, dst any) []string {
	t := reflect.TypeOf(dst)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	var keys []string
	walk(l.root(component), t, func(key string, _ []int) {
		keys = append(keys, key)
	})
	return keys
}

func (l Loader) root(component string) string {
	if c := segment(component); c != "" {
		return l.prefix() + "_" + c
	}
	return l.prefix()
}

func (l Loader) load(prefix string, v reflect.Value) error {
	var err error
	walk(prefix, v.Type(), func(key string, index []int) {
		if err != nil {
			return
		}
		raw, ok := l.lookupEnv(key)
		if !ok {
			return
		}
		err = assign(v.FieldByIndex(index), raw, key)
	})
	return err
}

// walk calls fn for every loadable leaf field of t with its variable name
// and field index path.
func walk(prefix string, t reflect.Type, fn func(key string, index []int)) {
	var visit func(prefix string, t reflect.Type, path []int)
	visit = func(prefix string, t reflect.Type, path []int) {
		for i := range t.NumField() {
			f := t.Field(i)
			index := extend(path, i)
			embedded := f.Anonymous && f.Type.Kind() == reflect.Struct

			// Promoted fields of unexported embedded structs are still
			// settable through the parent.
			if !f.IsExported() && !embedded {
				continue
			}
			tag := f.Tag.Get("env")
			if tag == "-" {
				continue
			}

			key := prefix
			if !embedded {
				name := tag
				if name == "" {
					name = toUpperSnake(f.Name)
				}
				key = prefix + "_" + name
			}

			switch {
			case isDuration(f.Type), f.Type == stringSliceType:
				fn(key, index)
			case f.Type.Kind() == reflect.Struct:
				visit(key, f.Type, index)
			case scalar(f.Type.Kind()):
				fn(key, index)
			}
		}
	}
	visit(prefix, t, nil)
}

func extend(path []int, i int) []int {
	return append(append(make([]int, 0, len(path)+1), path...), i)
}

func isDuration(t reflect.Type) bool {
	return t == durationType || t == yamlDurationType
}

func scalar(k reflect.Kind) bool {
	switch k {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func assign(v reflect.Value, raw, key string) error {
	if isDuration(v.Type()) {
		d, err := cast.ToDurationE(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		v.SetInt(int64(d))
		return nil
	}
	if v.Type() == stringSliceType {
		var list []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				list = append(list, s)
			}
		}
		v.Set(reflect.ValueOf(list))
		return nil
	}

	var err error
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		var b bool
		if b, err = cast.ToBoolE(raw); err == nil {
			v.SetBool(b)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		if n, err = cast.ToInt64E(raw); err == nil {
			if v.OverflowInt(n) {
				err = fmt.Errorf("%d overflows %s", n, v.Type())
			} else {
				v.SetInt(n)
			}
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var n uint64
		if n, err = cast.ToUint64E(raw); err == nil {
			if v.OverflowUint(n) {
				err = fmt.Errorf("%d overflows %s", n, v.Type())
			} else {
				v.SetUint(n)
			}
		}
	case reflect.Float32, reflect.Float64:
		var f float64
		if f, err = cast.ToFloat64E(raw); err == nil {
			v.SetFloat(f)
		}
	}
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	return nil
}

// segment turns a component name into a variable segment: letters are
// uppercased, separators become underscores, anything else is dropped.
func segment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(unicode.ToUpper(r))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == ' ', r == '_', r == '.', r == '/':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// toUpperSnake converts a CamelCase field name to UPPER_SNAKE_CASE.
//
//	PollTimeout → POLL_TIMEOUT
//	GroupID     → GROUP_ID
//	URLPath     → URL_PATH
func toUpperSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			next := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && next) {
				b.WriteRune('_')
			}
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
