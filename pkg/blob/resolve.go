package blob

import (
	"context"
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

var (
	bytesType         = reflect.TypeOf([]byte(nil))
	fileType          = reflect.TypeOf(File{})
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Resolver replaces raw byte buffers found anywhere in a value tree with
// File references, writing each buffer to the store.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver writing to store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve walks maps, slices, arrays, pointers and structs. Any []byte is
// written and replaced. Containers are rebuilt as map[string]any and []any.
// Structs become map[string]any keyed the way encoding/json names their
// fields. Values that marshal themselves, such as time.Time, are kept.
func (r *Resolver) Resolve(ctx context.Context, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	return r.walk(ctx, reflect.ValueOf(v))
}

func (r *Resolver) walk(ctx context.Context, v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	if v.Type() == bytesType {
		if v.IsNil() {
			return nil, nil
		}

		ref, err := Write(ctx, r.store, v.Bytes())
		if err != nil {
			return nil, err
		}

		return ref, nil
	}

	if (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) && v.IsNil() {
		return nil, nil
	}

	if v.Type() == fileType || marshalsItself(v.Type()) {
		return v.Interface(), nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		return r.walk(ctx, v.Elem())

	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		if err := r.walkFields(ctx, v, out, false); err != nil {
			return nil, err
		}

		return out, nil

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return v.Interface(), nil
		}

		if v.IsNil() {
			return nil, nil
		}

		out := make(map[string]any, v.Len())

		iter := v.MapRange()
		for iter.Next() {
			val, err := r.walk(ctx, iter.Value())
			if err != nil {
				return nil, fmt.Errorf("resolving key %q: %w", iter.Key().String(), err)
			}

			out[iter.Key().String()] = val
		}

		return out, nil

	case reflect.Slice, reflect.Array:
		// Named byte slices such as json.RawMessage are kept verbatim.
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface(), nil
		}

		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}

		out := make([]any, v.Len())

		for i := range v.Len() {
			val, err := r.walk(ctx, v.Index(i))
			if err != nil {
				return nil, fmt.Errorf("resolving index %d: %w", i, err)
			}

			out[i] = val
		}

		return out, nil

	default:
		return v.Interface(), nil
	}
}

// walkFields adds the fields of struct v to out. Fields of embedded structs
// without a json name are promoted and never shadow outer fields.
func (r *Resolver) walkFields(ctx context.Context, v reflect.Value, out map[string]any, promoted bool) error {
	t := v.Type()

	for i := range t.NumField() {
		f := t.Field(i)

		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}

		name, opts, _ := strings.Cut(tag, ",")
		fv := v.Field(i)

		if f.Anonymous && name == "" {
			embedded := fv
			if embedded.Kind() == reflect.Pointer {
				if !f.IsExported() || embedded.IsNil() {
					continue
				}

				embedded = embedded.Elem()
			}

			if embedded.Kind() == reflect.Struct && !marshalsItself(embedded.Type()) {
				if err := r.walkFields(ctx, embedded, out, true); err != nil {
					return err
				}

				continue
			}
		}

		if !f.IsExported() {
			continue
		}

		if name == "" {
			name = f.Name
		}

		if promoted {
			if _, ok := out[name]; ok {
				continue
			}
		}

		if hasOption(opts, "omitempty") && isEmpty(fv) {
			continue
		}

		if hasOption(opts, "omitzero") && fv.IsZero() {
			continue
		}

		val, err := r.walk(ctx, fv)
		if err != nil {
			return fmt.Errorf("resolving field %q: %w", name, err)
		}

		out[name] = val
	}

	return nil
}

func marshalsItself(t reflect.Type) bool {
	return t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType)
}

func hasOption(opts, name string) bool {
	for opts != "" {
		var opt string

		opt, opts, _ = strings.Cut(opts, ",")
		if opt == name {
			return true
		}
	}

	return false
}

// isEmpty reports whether omitempty drops v.
func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Interface, reflect.Pointer:
		return v.IsZero()
	default:
		return false
	}
}
