package eval

import (
	"context"
	"encoding/json"
	"math"
	"reflect"
	"runtime"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ScorerInput is what every scorer judges.
type ScorerInput struct {
	Input    any
	Output   any
	Expected any
}

// ScoreFunc is the plain-callable scorer variant. It returns a number in
// [0,1], a ScoreValue, a map with "score" and optional "metadata", or nil.
type ScoreFunc func(ctx context.Context, in ScorerInput) (any, error)

// ScorerDescriptor is the named scorer variant.
type ScorerDescriptor struct {
	Name        string
	Description string
	Func        ScoreFunc
}

// Scorer is either a ScoreFunc or a *ScorerDescriptor.
type Scorer interface {
	scorer()
}

func (ScoreFunc) scorer()         {}
func (*ScorerDescriptor) scorer() {}

// ScoreValue is the object form of a scorer result.
type ScoreValue struct {
	Score    *float64 `mapstructure:"score"`
	Metadata any      `mapstructure:"metadata"`
}

// NamedScorer is the single contract every scorer is normalized to.
type NamedScorer struct {
	Name        string
	Description string
	Func        ScoreFunc
}

// Score is one scorer's verdict. A null score is stored as 0.
type Score struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
	Metadata    any     `json:"metadata,omitempty"`
}

// Normalize turns either scorer variant into a NamedScorer.
func Normalize(s Scorer) NamedScorer {
	switch v := s.(type) {
	case *ScorerDescriptor:
		name := v.Name
		if name == "" {
			name = funcName(v.Func)
		}

		return NamedScorer{Name: name, Description: v.Description, Func: v.Func}
	case ScoreFunc:
		return NamedScorer{Name: funcName(v), Func: v}
	default:
		return NamedScorer{Name: "unknown"}
	}
}

// funcName derives a short name such as "Levenshtein" from a function value.
func funcName(f ScoreFunc) string {
	if f == nil {
		return "anonymous"
	}

	fn := runtime.FuncForPC(reflect.ValueOf(f).Pointer())
	if fn == nil {
		return "anonymous"
	}

	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}

	return name
}

// Run invokes the scorer and validates its result.
func (n NamedScorer) Run(ctx context.Context, in ScorerInput) (Score, error) {
	if n.Func == nil {
		return Score{}, &InvalidScorerResultError{Scorer: n.Name, Reason: "scorer has no function"}
	}

	raw, err := n.Func(ctx, in)
	if err != nil {
		return Score{}, &ScorerError{Scorer: n.Name, Err: err}
	}

	value, metadata, err := ParseScore(n.Name, raw)
	if err != nil {
		return Score{}, err
	}

	s := Score{Name: n.Name, Description: n.Description, Metadata: metadata}
	if value != nil {
		s.Score = *value
	}

	return s, nil
}

// ParseScore validates a raw scorer result. A nil score is valid and
// returned as nil.
func ParseScore(scorer string, raw any) (*float64, any, error) {
	invalid := func(reason string) error {
		return &InvalidScorerResultError{Scorer: scorer, Value: raw, Reason: reason}
	}

	switch v := raw.(type) {
	case nil:
		return nil, nil, nil
	case ScoreValue:
		return checkRange(v.Score, v.Metadata, invalid)
	case *ScoreValue:
		if v == nil {
			return nil, nil, nil
		}

		return checkRange(v.Score, v.Metadata, invalid)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, nil, invalid("not a number")
		}

		return checkRange(&f, nil, invalid)
	case bool, string:
		return nil, nil, invalid("score must be numeric")
	}

	rv := reflect.ValueOf(raw)

	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		f := rv.Float()

		return checkRange(&f, nil, invalid)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f := float64(rv.Int())

		return checkRange(&f, nil, invalid)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f := float64(rv.Uint())

		return checkRange(&f, nil, invalid)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String ||
			!rv.MapIndex(reflect.ValueOf("score").Convert(rv.Type().Key())).IsValid() {
			return nil, nil, invalid(`object result must carry a "score" field`)
		}

		var sv ScoreValue
		if err := mapstructure.Decode(raw, &sv); err != nil {
			return nil, nil, invalid("score must be numeric")
		}

		return checkRange(sv.Score, sv.Metadata, invalid)
	default:
		return nil, nil, invalid("score must be numeric")
	}
}

func checkRange(score *float64, metadata any, invalid func(string) error) (*float64, any, error) {
	if score == nil {
		return nil, metadata, nil
	}

	if math.IsNaN(*score) || math.IsInf(*score, 0) {
		return nil, nil, invalid("score is not a finite number")
	}

	if *score < 0 || *score > 1 {
		return nil, nil, invalid("score must be within [0,1]")
	}

	return score, metadata, nil
}
