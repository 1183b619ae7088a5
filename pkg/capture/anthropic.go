package capture

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessageCreator is satisfied by the SDK's message service
// (&client.Messages).
type MessageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicMessage sends one Messages API request and reports it as a trace
// carrying the token usage. Failed calls are reported too, with the error as
// output.
func AnthropicMessage(
	ctx context.Context,
	messages MessageCreator,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*anthropic.Message, error) {
	start := Now()

	msg, err := messages.New(ctx, params, opts...)
	if err != nil {
		ReportTrace(ctx, Trace{
			Input:  params,
			Output: map[string]any{"error": err.Error()},
			Start:  start,
			End:    Now(),
		})

		return nil, err
	}

	prompt := int(msg.Usage.InputTokens)
	completion := int(msg.Usage.OutputTokens)

	ReportTrace(ctx, Trace{
		Input:            params,
		Output:           MessageText(msg),
		Start:            start,
		End:              Now(),
		PromptTokens:     &prompt,
		CompletionTokens: &completion,
	})

	return msg, nil
}

// MessageText concatenates the text blocks of a response.
func MessageText(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}

	var sb strings.Builder

	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return sb.String()
}
