package eval

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ExactScorer(_ context.Context, in ScorerInput) (any, error) {
	if in.Output == in.Expected {
		return 1, nil
	}

	return 0, nil
}

func TestNormalize(t *testing.T) {
	plain := Normalize(ScoreFunc(ExactScorer))
	assert.Equal(t, "ExactScorer", plain.Name)
	assert.Empty(t, plain.Description)

	desc := Normalize(&ScorerDescriptor{
		Name:        "Custom",
		Description: "checks things",
		Func:        ExactScorer,
	})
	assert.Equal(t, "Custom", desc.Name)
	assert.Equal(t, "checks things", desc.Description)

	unnamed := Normalize(&ScorerDescriptor{Func: ExactScorer})
	assert.Equal(t, "ExactScorer", unnamed.Name)
}

func TestParseScore(t *testing.T) {
	half := 0.5

	tests := []struct {
		name         string
		raw          any
		wantScore    *float64
		wantMetadata any
		wantErr      bool
	}{
		{name: "float", raw: 0.25, wantScore: ptr(0.25)},
		{name: "int one", raw: 1, wantScore: ptr(1)},
		{name: "float32", raw: float32(0.5), wantScore: ptr(0.5)},
		{name: "json number", raw: json.Number("0.75"), wantScore: ptr(0.75)},
		{name: "nil is a null score", raw: nil},
		{
			name:         "score value",
			raw:          ScoreValue{Score: &half, Metadata: "why"},
			wantScore:    ptr(0.5),
			wantMetadata: "why",
		},
		{
			name:         "map with metadata",
			raw:          map[string]any{"score": 1, "metadata": map[string]any{"k": "v"}},
			wantScore:    ptr(1),
			wantMetadata: map[string]any{"k": "v"},
		},
		{name: "map with null score", raw: map[string]any{"score": nil}},
		{name: "map without score", raw: map[string]any{"value": 1}, wantErr: true},
		{name: "map with string score", raw: map[string]any{"score": "high"}, wantErr: true},
		{name: "string", raw: "1", wantErr: true},
		{name: "bool", raw: true, wantErr: true},
		{name: "slice", raw: []float64{1}, wantErr: true},
		{name: "nan", raw: math.NaN(), wantErr: true},
		{name: "above one", raw: 1.5, wantErr: true},
		{name: "negative", raw: -0.1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, metadata, err := ParseScore("s", tt.raw)
			if tt.wantErr {
				var invalid *InvalidScorerResultError
				require.ErrorAs(t, err, &invalid)
				assert.Equal(t, "s", invalid.Scorer)

				return
			}

			require.NoError(t, err)

			if tt.wantScore == nil {
				assert.Nil(t, score)
			} else {
				require.NotNil(t, score)
				assert.InDelta(t, *tt.wantScore, *score, 1e-9)
			}

			assert.Equal(t, tt.wantMetadata, metadata)
		})
	}
}

func TestNamedScorer_Run(t *testing.T) {
	ctx := context.Background()

	s := Normalize(ScoreFunc(func(context.Context, ScorerInput) (any, error) {
		return nil, nil
	}))

	score, err := s.Run(ctx, ScorerInput{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, score.Score, "null scores are stored as zero")

	failing := NamedScorer{Name: "boom", Func: func(context.Context, ScorerInput) (any, error) {
		return nil, errors.New("nope")
	}}

	_, err = failing.Run(ctx, ScorerInput{})

	var se *ScorerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "boom", se.Scorer)

	bad := NamedScorer{Name: "Bad", Func: func(context.Context, ScorerInput) (any, error) {
		return "great", nil
	}}

	_, err = bad.Run(ctx, ScorerInput{})

	var invalid *InvalidScorerResultError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, err.Error(), `"Bad"`)
}

func TestCollect(t *testing.T) {
	ctx := context.Background()

	chanOf := func(chunks ...any) <-chan any {
		ch := make(chan any, len(chunks))
		for _, c := range chunks {
			ch <- c
		}

		close(ch)

		return ch
	}

	stringChan := make(chan string, 2)
	stringChan <- "foo"
	stringChan <- "bar"
	close(stringChan)

	var seq iter.Seq[any] = func(yield func(any) bool) {
		for _, c := range []any{"a", 1, true} {
			if !yield(c) {
				return
			}
		}
	}

	tests := []struct {
		name    string
		value   any
		want    any
		wantErr bool
	}{
		{name: "plain value untouched", value: map[string]any{"x": 1}, want: map[string]any{"x": 1}},
		{name: "string chunks", value: chanOf("Hel", "lo"), want: "Hello"},
		{name: "mixed primitives", value: chanOf("n=", 3, " ok=", true, " f=", 1.5), want: "n=3 ok=true f=1.5"},
		{name: "typed string channel", value: stringChan, want: "foobar"},
		{name: "iterator", value: seq, want: "a1true"},
		{name: "empty stream", value: chanOf(), want: ""},
		{name: "rich chunk", value: chanOf("a", map[string]any{"b": 1}), wantErr: true},
		{name: "slice chunk", value: chanOf("a", []any{"b"}), wantErr: true},
		{name: "nil chunk", value: chanOf("a", nil), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Collect(ctx, tt.value)
			if tt.wantErr {
				var chunkErr *UnsupportedStreamChunkError
				require.ErrorAs(t, err, &chunkErr)
				assert.Equal(t, 1, chunkErr.Index)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCollect_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(ctx, make(chan any))
	require.ErrorIs(t, err, context.Canceled)
}

func ptr(v float64) *float64 {
	return &v
}
