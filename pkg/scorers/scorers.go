// Package scorers provides built-in scorers usable from Go evals and
// declarative eval files.
package scorers

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ethpandaops/evaloor/pkg/eval"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/xeipuuv/gojsonschema"
)

// Scorer names accepted by Lookup.
const (
	NameLevenshtein = "levenshtein"
	NameExactMatch  = "exact_match"
	NameContains    = "contains"
	NameJSONSchema  = "json_schema"
)

// Levenshtein scores the edit-distance similarity of output and expected:
// 1 minus the distance over the longer string's rune count.
func Levenshtein(_ context.Context, in eval.ScorerInput) (any, error) {
	a, b := Text(in.Output), Text(in.Expected)

	return eval.ScoreValue{Score: ptr(similarity(a, b))}, nil
}

func similarity(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}

	dmp := diffmatchpatch.New()
	distance := dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))

	return 1 - float64(distance)/float64(longest)
}

// ExactMatch scores 1 when output equals expected, comparing non-string
// values by their JSON encoding.
func ExactMatch(_ context.Context, in eval.ScorerInput) (any, error) {
	if equal(in.Output, in.Expected) {
		return 1, nil
	}

	return 0, nil
}

func equal(a, b any) bool {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)

		return ok && as == bs
	}

	if reflect.DeepEqual(a, b) {
		return true
	}

	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)

	return aerr == nil && berr == nil && string(aj) == string(bj)
}

// Contains returns a scorer checking that the output contains needle, or
// the expected value when needle is empty.
func Contains(needle string, caseInsensitive bool) eval.Scorer {
	return &eval.ScorerDescriptor{
		Name:        "Contains",
		Description: "Checks that the output contains the expected text",
		Func: func(_ context.Context, in eval.ScorerInput) (any, error) {
			haystack, want := Text(in.Output), needle
			if want == "" {
				want = Text(in.Expected)
			}

			if caseInsensitive {
				haystack, want = strings.ToLower(haystack), strings.ToLower(want)
			}

			if strings.Contains(haystack, want) {
				return 1, nil
			}

			return 0, nil
		},
	}
}

// JSONSchema returns a scorer validating the output against schema. String
// outputs are parsed as JSON first. Validation errors land in metadata.
func JSONSchema(schema any) (eval.Scorer, error) {
	loaded, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("loading json schema: %w", err)
	}

	return &eval.ScorerDescriptor{
		Name:        "JSONSchema",
		Description: "Validates the output against a JSON schema",
		Func: func(_ context.Context, in eval.ScorerInput) (any, error) {
			doc := in.Output

			if s, ok := doc.(string); ok {
				var parsed any
				if err := json.Unmarshal([]byte(s), &parsed); err != nil {
					return eval.ScoreValue{
						Score:    ptr(0),
						Metadata: map[string]any{"errors": []string{"output is not valid JSON"}},
					}, nil
				}

				doc = parsed
			}

			result, err := loaded.Validate(gojsonschema.NewGoLoader(doc))
			if err != nil {
				return nil, fmt.Errorf("validating output: %w", err)
			}

			if result.Valid() {
				return 1, nil
			}

			errs := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				errs = append(errs, desc.String())
			}

			return eval.ScoreValue{Score: ptr(0), Metadata: map[string]any{"errors": errs}}, nil
		},
	}, nil
}

// Lookup builds a built-in scorer by name. params carries scorer options
// from an eval file.
func Lookup(name string, params map[string]any) (eval.Scorer, error) {
	switch name {
	case NameLevenshtein:
		return eval.ScoreFunc(Levenshtein), nil
	case NameExactMatch:
		return eval.ScoreFunc(ExactMatch), nil
	case NameContains:
		needle, _ := params["value"].(string)
		ci, _ := params["case_insensitive"].(bool)

		return Contains(needle, ci), nil
	case NameJSONSchema:
		schema, ok := params["schema"]
		if !ok {
			return nil, fmt.Errorf("scorer %q requires a schema", name)
		}

		return JSONSchema(schema)
	default:
		return nil, fmt.Errorf("unknown scorer %q (available: %s)", name, strings.Join(Names(), ", "))
	}
}

// Names lists the built-in scorer names.
func Names() []string {
	names := []string{NameLevenshtein, NameExactMatch, NameContains, NameJSONSchema}
	sort.Strings(names)

	return names
}

// Text renders a value for string comparison. Strings pass through, nil is
// empty and anything else is JSON encoded.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}

	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}

	return string(b)
}

func ptr(v float64) *float64 {
	return &v
}
