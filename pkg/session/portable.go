package session

import (
	"encoding/gob"
	"fmt"
	"reflect"
	"time"

	"github.com/harun/tabula/pkg/dataset"
)

// exactTypes round-trip through the codec with their Go type intact.
// Other composite values are rewritten by portable.
var exactTypes = []any{
	map[string]any{},
	[]any{},
	time.Time{},
	time.Duration(0),
	[][]string{},
	[][]int{},
	[][]int64{},
	[][]float64{},
	map[string]string{},
	map[string]int{},
	map[string]int64{},
	map[string]float64{},
	map[string]bool{},
	map[string][]string{},
}

var exact = make(map[reflect.Type]bool, len(exactTypes))

// basicTypes are the builtin scalars gob registers on its own.
var basicTypes = map[reflect.Kind]reflect.Type{
	reflect.Bool:       reflect.TypeOf(false),
	reflect.Int:        reflect.TypeOf(int(0)),
	reflect.Int8:       reflect.TypeOf(int8(0)),
	reflect.Int16:      reflect.TypeOf(int16(0)),
	reflect.Int32:      reflect.TypeOf(int32(0)),
	reflect.Int64:      reflect.TypeOf(int64(0)),
	reflect.Uint:       reflect.TypeOf(uint(0)),
	reflect.Uint8:      reflect.TypeOf(uint8(0)),
	reflect.Uint16:     reflect.TypeOf(uint16(0)),
	reflect.Uint32:     reflect.TypeOf(uint32(0)),
	reflect.Uint64:     reflect.TypeOf(uint64(0)),
	reflect.Float32:    reflect.TypeOf(float32(0)),
	reflect.Float64:    reflect.TypeOf(float64(0)),
	reflect.Complex64:  reflect.TypeOf(complex64(0)),
	reflect.Complex128: reflect.TypeOf(complex128(0)),
	reflect.String:     reflect.TypeOf(""),
}

func init() {
	for _, v := range exactTypes {
		gob.Register(v)
		exact[reflect.TypeOf(v)] = true
	}
}

// isGobBasic reports builtin scalars and unnamed slices of them.
func isGobBasic(t reflect.Type) bool {
	if b, ok := basicTypes[t.Kind()]; ok {
		return t == b
	}
	if t.Kind() == reflect.Slice && t.Name() == "" {
		b, ok := basicTypes[t.Elem().Kind()]
		return ok && t.Elem() == b
	}
	return false
}

// portable rewrites v into values the codec can carry and reports whether
// it had to. Named scalars become their builtin kind; unregistered slices
// and string-keyed maps become []any and map[string]any.
func portable(v any) (any, bool, error) {
	if v == nil {
		return nil, false, nil
	}

	switch x := v.(type) {
	case []any:
		return portableSlice(x)
	case map[string]any:
		return portableMap(x)
	}

	rv := reflect.ValueOf(v)
	t := rv.Type()
	if exact[t] || isGobBasic(t) {
		return v, false, nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, true, nil
		}
		p, _, err := portable(rv.Elem().Interface())
		return p, true, err
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			p, _, err := portable(rv.Index(i).Interface())
			if err != nil {
				return nil, false, err
			}
			out[i] = p
		}
		return out, true, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, false, fmt.Errorf("unsupported map key type %s", t.Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			p, _, err := portable(iter.Value().Interface())
			if err != nil {
				return nil, false, err
			}
			out[iter.Key().String()] = p
		}
		return out, true, nil
	}

	if b, ok := basicTypes[t.Kind()]; ok {
		return rv.Convert(b).Interface(), true, nil
	}
	return nil, false, fmt.Errorf("unsupported value type %s", t)
}

// portableSlice copies in only when an element has to change.
func portableSlice(in []any) ([]any, bool, error) {
	var out []any
	for i, v := range in {
		p, changed, err := portable(v)
		if err != nil {
			return nil, false, err
		}
		if changed && out == nil {
			out = make([]any, len(in))
			copy(out, in[:i])
		}
		if out != nil {
			out[i] = p
		}
	}
	if out == nil {
		return in, false, nil
	}
	return out, true, nil
}

// portableMap copies in only when a value has to change.
func portableMap(in map[string]any) (map[string]any, bool, error) {
	var out map[string]any
	for k, v := range in {
		p, changed, err := portable(v)
		if err != nil {
			return nil, false, fmt.Errorf("key %q: %w", k, err)
		}
		if changed && out == nil {
			out = make(map[string]any, len(in))
			for k2, v2 := range in {
				out[k2] = v2
			}
		}
		if out != nil {
			out[k] = p
		}
	}
	if out == nil {
		return in, false, nil
	}
	return out, true, nil
}

func portableFrame(f *dataset.Frame) (*dataset.Frame, error) {
	if f == nil {
		return nil, nil
	}
	var cols []dataset.Column
	for i, col := range f.Columns {
		values, changed, err := portableSlice(col.Values)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		if changed && cols == nil {
			cols = append([]dataset.Column{}, f.Columns...)
		}
		if cols != nil {
			cols[i] = dataset.Column{Name: col.Name, Values: values}
		}
	}
	if cols == nil {
		return f, nil
	}
	return &dataset.Frame{Columns: cols}, nil
}

// portableSession returns s, or a shallow copy whose dynamic values were
// rewritten by portable.
func portableSession(s *Session) (*Session, error) {
	c := *s
	var err error

	fields := []struct {
		name string
		m    *map[string]any
	}{
		{"settings", &c.Settings},
		{"context variables", &c.ContextVariables},
		{"metadata", &c.Metadata},
		{"dataset dim", &c.DatasetDim},
	}
	for _, f := range fields {
		if *f.m, _, err = portableMap(*f.m); err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
	}

	if c.Data, err = portableFrame(c.Data); err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if c.Dataset, err = portableFrame(c.Dataset); err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	return &c, nil
}
