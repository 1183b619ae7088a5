package eval

import (
	"context"
	"iter"
	"reflect"
	"strconv"
	"strings"
)

// IsStream reports whether v is a streamed task output.
func IsStream(v any) bool {
	switch v.(type) {
	case <-chan any, chan any, <-chan string, chan string,
		iter.Seq[any], func(func(any) bool),
		iter.Seq[string], func(func(string) bool):
		return true
	default:
		return false
	}
}

// Collect drains a streamed output and concatenates its chunks into one
// string. Only string, number and boolean chunks are supported. Values that
// are not streams are returned unchanged.
func Collect(ctx context.Context, v any) (any, error) {
	var (
		sb   strings.Builder
		idx  int
		werr error
	)

	add := func(chunk any) bool {
		s, ok := primitiveString(chunk)
		if !ok {
			werr = &UnsupportedStreamChunkError{Index: idx, Chunk: chunk}

			return false
		}

		sb.WriteString(s)
		idx++

		return true
	}

	switch s := v.(type) {
	case <-chan any:
		if err := drain(ctx, s, add); err != nil {
			return nil, err
		}
	case chan any:
		if err := drain(ctx, (<-chan any)(s), add); err != nil {
			return nil, err
		}
	case <-chan string:
		if err := drain(ctx, s, func(c string) bool { return add(c) }); err != nil {
			return nil, err
		}
	case chan string:
		if err := drain(ctx, (<-chan string)(s), func(c string) bool { return add(c) }); err != nil {
			return nil, err
		}
	case iter.Seq[any]:
		s(add)
	case func(func(any) bool):
		s(add)
	case iter.Seq[string]:
		s(func(c string) bool { return add(c) })
	case func(func(string) bool):
		s(func(c string) bool { return add(c) })
	default:
		return v, nil
	}

	if werr != nil {
		return nil, werr
	}

	return sb.String(), nil
}

func drain[T any](ctx context.Context, ch <-chan T, add func(T) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return nil
			}

			if !add(chunk) {
				return nil
			}
		}
	}
}

func primitiveString(v any) (string, bool) {
	switch c := v.(type) {
	case string:
		return c, true
	case bool:
		return strconv.FormatBool(c), true
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(c), 'f', -1, 32), true
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), true
	default:
		return "", false
	}
}
