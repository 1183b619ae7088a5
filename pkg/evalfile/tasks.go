package evalfile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"text/template"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/ethpandaops/evaloor/pkg/capture"
	"github.com/ethpandaops/evaloor/pkg/eval"
	"github.com/ethpandaops/evaloor/pkg/scorers"
)

// Task kinds.
const (
	KindEcho      = "echo"
	KindTemplate  = "template"
	KindHTTP      = "http"
	KindAnthropic = "anthropic"
)

const (
	defaultMaxTokens = 1024
	defaultPrompt    = "{{ text .input }}"
	maxResponseBody  = 32 * 1024 * 1024
)

var templateFuncs = template.FuncMap{
	"text": scorers.Text,
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)

		return string(b), err
	},
}

func (l *Loader) task(spec *TaskSpec) (eval.TaskFunc, error) {
	switch spec.Kind {
	case KindEcho:
		return func(_ context.Context, input any) (any, error) {
			return input, nil
		}, nil

	case KindTemplate:
		tmpl, err := parseTemplate(spec.Template)
		if err != nil {
			return nil, err
		}

		return func(_ context.Context, input any) (any, error) {
			return render(tmpl, input)
		}, nil

	case KindHTTP:
		return l.httpTask(spec), nil

	case KindAnthropic:
		return l.anthropicTask(spec)

	default:
		return nil, fmt.Errorf("unknown task kind %q", spec.Kind)
	}
}

func parseTemplate(text string) (*template.Template, error) {
	tmpl, err := template.New("task").Funcs(templateFuncs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}

	return tmpl, nil
}

func render(tmpl *template.Template, input any) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, map[string]any{"input": input}); err != nil {
		return "", fmt.Errorf("rendering template: %w", err)
	}

	return sb.String(), nil
}

// httpTask POSTs {"input": ...} to the configured URL. A JSON response is
// decoded, anything else is returned as text.
func (l *Loader) httpTask(spec *TaskSpec) eval.TaskFunc {
	client := &http.Client{Timeout: l.httpTimeout}

	return func(ctx context.Context, input any) (any, error) {
		body, err := json.Marshal(map[string]any{"input": input})
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.URL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")

		for k, v := range spec.Headers {
			req.Header.Set(k, v)
		}

		start := capture.Now()

		output, err := doRequest(client, req)

		trace := capture.Trace{Input: input, Output: output, Start: start, End: capture.Now()}
		if err != nil {
			trace.Output = map[string]any{"error": err.Error()}
		}

		capture.ReportTrace(ctx, trace)

		return output, err
	}
}

func doRequest(client *http.Client, req *http.Request) (any, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", req.URL, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "application/json" {
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}

		return out, nil
	}

	return string(raw), nil
}

// anthropicTask sends the rendered prompt as a single user message.
func (l *Loader) anthropicTask(spec *TaskSpec) (eval.TaskFunc, error) {
	prompt := spec.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}

	tmpl, err := parseTemplate(prompt)
	if err != nil {
		return nil, err
	}

	maxTokens := spec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return func(ctx context.Context, input any) (any, error) {
		text, err := render(tmpl, input)
		if err != nil {
			return nil, err
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(spec.Model),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
			},
		}

		if spec.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: spec.System}}
		}

		msg, err := capture.AnthropicMessage(ctx, l.messageCreator(), params)
		if err != nil {
			return nil, fmt.Errorf("calling %s: %w", spec.Model, err)
		}

		return capture.MessageText(msg), nil
	}, nil
}
