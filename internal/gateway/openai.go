package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/astridlabs/astrid/internal/reliability"
)

// OpenAIAdapter speaks the OpenAI chat-completions API. With a custom base
// URL it also covers OpenAI-compatible local servers.
type OpenAIAdapter struct {
	client openai.Client
}

func NewOpenAIAdapter(apiKey, baseURL string) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{client: openai.NewClient(opts...)}
}

func (a *OpenAIAdapter) Generate(ctx context.Context, model string, prompt Prompt) (Completion, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.params(model, prompt))
	if err != nil {
		return Completion{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, &ProviderError{Provider: "openai", Code: "empty_response", Err: errors.New("no choices returned")}
	}
	return a.completion(*resp), nil
}

func (a *OpenAIAdapter) StreamGenerate(ctx context.Context, model string, prompt Prompt, onDelta DeltaHandler) (Completion, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.params(model, prompt))
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" || onDelta == nil {
			continue
		}
		if err := onDelta(delta); err != nil {
			return Completion{}, err
		}
	}
	if err := stream.Err(); err != nil {
		return Completion{}, classify(err)
	}
	if len(acc.Choices) == 0 {
		return Completion{}, &ProviderError{Provider: "openai", Code: "empty_response", Err: errors.New("no choices streamed")}
	}
	return a.completion(acc.ChatCompletion), nil
}

func (a *OpenAIAdapter) CountTokens(model, text string) (int, error) {
	return countTokens(model, text)
}

func (a *OpenAIAdapter) params(model string, prompt Prompt) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt.Messages)+1)
	if prompt.System != "" {
		messages = append(messages, openai.SystemMessage(prompt.System))
	}
	for _, msg := range prompt.Messages {
		switch msg.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	for _, tool := range prompt.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  shared.FunctionParameters(tool.Parameters),
			},
		})
	}
	return params
}

func (a *OpenAIAdapter) completion(resp openai.ChatCompletion) Completion {
	choice := resp.Choices[0]
	out := Completion{
		Text: choice.Message.Content,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for _, call := range choice.Message.ToolCalls {
		args := map[string]any{}
		if raw := call.Function.Arguments; raw != "" {
			// Malformed arguments become an empty arg map; the tool reports
			// the problem back into context.
			_ = json.Unmarshal([]byte(raw), &args)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: args,
		})
	}
	return out
}

// classify maps SDK errors onto the ProviderError taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		code := "server_error"
		switch apierr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			code = "auth"
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			code = "invalid_request"
		case http.StatusTooManyRequests:
			code = "rate_limited"
		}
		return &ProviderError{
			Provider:  "openai",
			Code:      code,
			Status:    apierr.StatusCode,
			Retryable: reliability.IsRetryableHTTPStatus(apierr.StatusCode),
			Err:       err,
		}
	}
	// Transport-level failure: worth retrying.
	return &ProviderError{Provider: "openai", Code: "transport", Retryable: true, Err: fmt.Errorf("request failed: %w", err)}
}
