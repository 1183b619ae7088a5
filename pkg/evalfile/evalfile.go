// Package evalfile loads declarative eval definitions from *.eval.yaml
// files.
//
// A file holds one or more evals:
//
//	evals:
//	  - name: greeting
//	    data:
//	      - input: Ada
//	        expected: Hello, Ada!
//	    task:
//	      kind: template
//	      template: "Hello, {{ .input }}!"
//	    scorers: [levenshtein]
package evalfile

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/ethpandaops/evaloor/pkg/capture"
	"github.com/ethpandaops/evaloor/pkg/eval"
	"github.com/ethpandaops/evaloor/pkg/scorers"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce    sync.Once
	schema        *gojsonschema.Schema
	schemaLoadErr error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaLoadErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	})

	return schema, schemaLoadErr
}

// File is the top-level document of an eval file.
type File struct {
	Evals []Definition `yaml:"evals"`
}

// Definition is one declarative eval.
type Definition struct {
	Name     string       `yaml:"name"`
	Skip     bool         `yaml:"skip"`
	Only     bool         `yaml:"only"`
	Timeout  string       `yaml:"timeout"`
	Data     []eval.Item  `yaml:"data"`
	DataFile string       `yaml:"data_file"`
	Task     TaskSpec     `yaml:"task"`
	Scorers  []ScorerSpec `yaml:"scorers"`
	Columns  []ColumnSpec `yaml:"columns"`
}

// TaskSpec selects and configures the task kind.
type TaskSpec struct {
	Kind      string            `yaml:"kind"`
	Template  string            `yaml:"template"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Model     string            `yaml:"model"`
	System    string            `yaml:"system"`
	Prompt    string            `yaml:"prompt"`
	MaxTokens int64             `yaml:"max_tokens"`
}

// ScorerSpec names a built-in scorer. It may be written as a bare name.
type ScorerSpec struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// UnmarshalYAML accepts either a scalar name or a mapping.
func (s *ScorerSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Name = node.Value

		return nil
	}

	type plain ScorerSpec

	return node.Decode((*plain)(s))
}

// ColumnSpec renders one custom column.
type ColumnSpec struct {
	Label string `yaml:"label"`
	From  string `yaml:"from"`
}

// ValidationError lists every schema violation of a file.
type ValidationError struct {
	Path   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid eval file %s: %s", e.Path, strings.Join(e.Errors, "; "))
}

// Option configures a Loader.
type Option func(*Loader)

// WithMessageCreator replaces the Anthropic client used by anthropic tasks.
func WithMessageCreator(m capture.MessageCreator) Option {
	return func(l *Loader) {
		l.messages = m
	}
}

// WithHTTPTimeout bounds http task requests.
func WithHTTPTimeout(d time.Duration) Option {
	return func(l *Loader) {
		l.httpTimeout = d
	}
}

// Loader turns eval files into evals.
type Loader struct {
	log         logrus.FieldLogger
	httpTimeout time.Duration

	messagesOnce sync.Once
	messages     capture.MessageCreator
	client       anthropic.Client
}

// NewLoader creates a new Loader.
func NewLoader(log logrus.FieldLogger, opts ...Option) *Loader {
	l := &Loader{
		log:         log.WithField("component", "evalfile"),
		httpTimeout: 2 * time.Minute,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// messageCreator returns the Anthropic client, creating it on first use. The
// SDK reads ANTHROPIC_API_KEY from the environment.
func (l *Loader) messageCreator() capture.MessageCreator {
	l.messagesOnce.Do(func() {
		if l.messages == nil {
			l.client = anthropic.NewClient()
			l.messages = &l.client.Messages
		}
	})

	return l.messages
}

// Set is the result of loading a tree of eval files.
type Set struct {
	Evals []*eval.Eval
	// deps maps each eval file to the data files it reads.
	deps map[string][]string
}

// Affected returns the eval files that must re-run after the given files
// changed: changed eval files plus eval files whose data file changed.
func (s *Set) Affected(changed []string) []string {
	changedSet := make(map[string]struct{}, len(changed))
	for _, c := range changed {
		changedSet[absClean(c)] = struct{}{}
	}

	var out []string

	for file, deps := range s.deps {
		if _, ok := changedSet[file]; ok {
			out = append(out, file)

			continue
		}

		for _, d := range deps {
			if _, ok := changedSet[d]; ok {
				out = append(out, file)

				break
			}
		}
	}

	return out
}

// Load discovers and loads every eval file under root.
func (l *Loader) Load(root, pattern string) (*Set, error) {
	paths, err := Discover(root, pattern)
	if err != nil {
		return nil, err
	}

	set := &Set{deps: make(map[string][]string, len(paths))}

	for _, p := range paths {
		evals, deps, err := l.LoadFile(p)
		if err != nil {
			return nil, err
		}

		set.Evals = append(set.Evals, evals...)
		set.deps[absClean(p)] = deps
	}

	l.log.WithFields(logrus.Fields{
		"files": len(paths),
		"evals": len(set.Evals),
	}).Debug("Loaded eval files")

	return set, nil
}

// LoadFile parses, validates and builds the evals of one file. It also
// returns the data files they read.
func (l *Loader) LoadFile(path string) ([]*eval.Eval, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading eval file: %w", err)
	}

	file, err := Parse(path, raw)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]struct{}, len(file.Evals))
	evals := make([]*eval.Eval, 0, len(file.Evals))
	deps := make([]string, 0, 1)

	for i := range file.Evals {
		def := &file.Evals[i]

		if _, dup := seen[def.Name]; dup {
			return nil, nil, fmt.Errorf("%s: duplicate eval name %q", path, def.Name)
		}

		seen[def.Name] = struct{}{}

		e, err := l.build(path, def)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: eval %q: %w", path, def.Name, err)
		}

		if def.DataFile != "" {
			deps = append(deps, absClean(resolve(path, def.DataFile)))
		}

		evals = append(evals, e)
	}

	return evals, deps, nil
}

// Parse validates raw YAML against the eval file schema and decodes it.
func Parse(path string, raw []byte) (*File, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing eval file %s: %w", path, err)
	}

	s, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("loading eval file schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validating eval file %s: %w", path, err)
	}

	if !result.Valid() {
		verr := &ValidationError{Path: path, Errors: make([]string, 0, len(result.Errors()))}
		for _, desc := range result.Errors() {
			verr.Errors = append(verr.Errors, desc.String())
		}

		return nil, verr
	}

	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decoding eval file %s: %w", path, err)
	}

	return &file, nil
}

func (l *Loader) build(path string, def *Definition) (*eval.Eval, error) {
	e := &eval.Eval{
		Name:     def.Name,
		Filepath: path,
		Skip:     def.Skip,
		Only:     def.Only,
	}

	if def.Timeout != "" {
		d, err := time.ParseDuration(def.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parsing timeout: %w", err)
		}

		e.Timeout = d
	}

	if def.DataFile != "" {
		e.Data = fileData(resolve(path, def.DataFile))
	} else {
		e.Data = inlineData(def.Data)
	}

	task, err := l.task(&def.Task)
	if err != nil {
		return nil, err
	}

	e.Task = task

	for _, spec := range def.Scorers {
		s, err := scorers.Lookup(spec.Name, spec.Params)
		if err != nil {
			return nil, err
		}

		e.Scorers = append(e.Scorers, s)
	}

	if len(def.Columns) > 0 {
		e.Columns = columns(def.Columns)
	}

	return e, nil
}

// resolve interprets p relative to the directory of the eval file.
func resolve(evalPath, p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(filepath.Dir(evalPath), p)
}

func absClean(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}

	return filepath.Clean(p)
}

// EvalsIn returns the evals defined in the given eval files.
func (s *Set) EvalsIn(files []string) []*eval.Eval {
	wanted := make(map[string]struct{}, len(files))
	for _, f := range files {
		wanted[absClean(f)] = struct{}{}
	}

	var out []*eval.Eval

	for _, e := range s.Evals {
		if _, ok := wanted[absClean(e.Filepath)]; ok {
			out = append(out, e)
		}
	}

	return out
}
