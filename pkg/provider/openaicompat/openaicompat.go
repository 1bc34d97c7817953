// Package openaicompat implements a session.Adapter over any OpenAI-
// compatible chat/completions endpoint (OpenAI itself, OpenRouter, Azure,
// local proxies) on top of github.com/sashabaranov/go-openai, grounded on
// the pack's own nexus.internal/agent/providers.OpenAIProvider/
// OpenRouterProvider: one thin client per (baseURL, apiKey, model), built
// via openai.NewClientWithConfig(openai.DefaultConfig(key)) with BaseURL
// overridden the same way OpenRouterProvider points the same client type
// at a different host, and streamed tool calls buffered per
// ToolCall.Index the same way OpenAIProvider.processStream does.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"tsagent/pkg/logging"
	"tsagent/pkg/session"
)

// Config is the per-instance wiring: one Adapter per installed provider +
// model selection.
type Config struct {
	BaseURL string // default "https://api.openai.com/v1"
	APIKey  string
	Model   string
}

// Adapter implements session.Adapter against an OpenAI-compatible
// endpoint.
type Adapter struct {
	cfg    Config
	client *openai.Client
	log    hclogLogger
}

type hclogLogger interface {
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// New creates an Adapter. baseURL and model default the same way
// OpenRouterProvider's NewOpenRouterProvider does.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	return &Adapter{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientConfig),
		log:    logging.Named("provider.openaicompat"),
	}
}

var _ session.Adapter = (*Adapter)(nil)

func toolsToOpenAI(tools []session.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.MangledName,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

// GenerateResponse implements session.Adapter per spec.md §4.5: translate
// in, handle a trailing approval message, then loop up to
// session.settings.maxChatTurns calling the provider and dispatching
// tool-use parts.
func (a *Adapter) GenerateResponse(ctx context.Context, sess *session.Session, dispatcher session.ToolDispatcher, messages []session.InternalMessage) (session.ModelReply, error) {
	reply := session.ModelReply{}
	history := translateIn(messages)

	if len(messages) > 0 && messages[len(messages)-1].Role == session.RoleApproval {
		turn, updatedHistory, err := handleApprovals(ctx, sess, dispatcher, history, messages[len(messages)-1].Decisions)
		if err != nil {
			return reply, err
		}
		history = updatedHistory
		reply.Turns = append(reply.Turns, turn)
	}

	tools, err := dispatcher.ActiveTools(ctx, sess)
	if err != nil {
		return reply, fmt.Errorf("openaicompat: active tools: %w", err)
	}
	compatTools := toolsToOpenAI(tools)

	settings := sess.GetSettings()
	maxTurns := settings.MaxChatTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}

	capReached := true
	for i := 0; i < maxTurns; i++ {
		text, toolCalls, inTok, outTok, truncated, callErr := a.call(ctx, history, compatTools, settings)
		if callErr != nil {
			reply.Turns = append(reply.Turns, session.Turn{
				Error: fmt.Sprintf("Error: Failed to generate response from openaicompat - %s", callErr.Error()),
			})
			return reply, nil
		}

		turn := session.Turn{InputTokens: inTok, OutputTokens: outTok}
		if text != "" {
			turn.Results = append(turn.Results, session.TurnResult{Type: session.TurnResultText, Text: text})
		}
		if truncated {
			turn.Error = "Output truncated: maximum tokens reached"
		}

		assistantMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text}
		for _, tc := range toolCalls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, openai.ToolCall{
				ID: tc.id, Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.name, Arguments: tc.args},
			})
		}
		history = append(history, assistantMsg)

		if len(toolCalls) == 0 {
			reply.Turns = append(reply.Turns, turn)
			capReached = false
			break
		}

		pendingBreak := false
		for _, tc := range toolCalls {
			serverName, toolName, ok := dispatcher.Unmangle(tc.name)
			if !ok {
				serverName, toolName = "", tc.name
			}

			var args map[string]any
			_ = json.Unmarshal([]byte(tc.args), &args)

			if session.IsApprovalRequiredForDispatch(sess, dispatcher, serverName, toolName) {
				reply.PendingToolCalls = append(reply.PendingToolCalls, session.PendingCall{
					ServerName: serverName, ToolName: toolName, Args: args, ToolCallID: tc.id,
				})
				pendingBreak = true
				continue
			}

			outcome, execErr := dispatcher.CallTool(ctx, tc.name, args, sess.ID)
			execResult := session.ExecutedCall{
				ServerName: serverName, ToolName: toolName, Args: args, ToolCallID: tc.id,
				ElapsedMs: outcome.ElapsedMs,
			}
			if execErr != nil {
				execResult.Error = execErr.Error()
			} else {
				execResult.Output = outcome.Text
				execResult.Error = outcome.Error
			}
			turn.Results = append(turn.Results, session.TurnResult{Type: session.TurnResultToolCall, ToolCall: execResult})

			resultText := execResult.Output
			if resultText == "" {
				resultText = execResult.Error
			}
			history = append(history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: resultText, ToolCallID: tc.id})
		}

		reply.Turns = append(reply.Turns, turn)
		if pendingBreak {
			capReached = false
			break
		}
	}

	if capReached {
		reply.Turns = append(reply.Turns, session.Turn{Error: "Maximum number of tool uses reached"})
	}

	return reply, nil
}

type parsedToolCall struct {
	id   string
	name string
	args string
}

// handleApprovals implements spec.md §4.5 step 2.
func handleApprovals(ctx context.Context, sess *session.Session, dispatcher session.ToolDispatcher, history []openai.ChatCompletionMessage, decisions []session.ToolCallApproval) (session.Turn, []openai.ChatCompletionMessage, error) {
	turn := session.Turn{}
	for _, d := range decisions {
		var execResult session.ExecutedCall
		switch d.Decision {
		case session.DecisionAllowSession:
			sess.MarkApproved(d.ServerName, d.ToolName)
			fallthrough
		case session.DecisionAllowOnce:
			mangled := d.ServerName + "_" + d.ToolName
			outcome, err := dispatcher.CallTool(ctx, mangled, d.Args, sess.ID)
			execResult = session.ExecutedCall{
				ServerName: d.ServerName, ToolName: d.ToolName, Args: d.Args, ToolCallID: d.ToolCallID,
				ElapsedMs: outcome.ElapsedMs,
			}
			if err != nil {
				execResult.Error = err.Error()
			} else {
				execResult.Output = outcome.Text
				execResult.Error = outcome.Error
			}
		case session.DecisionDeny:
			execResult = session.ExecutedCall{
				ServerName: d.ServerName, ToolName: d.ToolName, Args: d.Args, ToolCallID: d.ToolCallID,
				Output: "Tool call denied", Error: "Tool call denied",
			}
		}
		turn.Results = append(turn.Results, session.TurnResult{Type: session.TurnResultToolCall, ToolCall: execResult})
		resultText := execResult.Output
		if resultText == "" {
			resultText = execResult.Error
		}
		history = append(history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: resultText, ToolCallID: d.ToolCallID})
	}
	return turn, history, nil
}

func translateIn(messages []session.InternalMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := string(m.Role)
		switch m.Role {
		case session.RoleUser, session.RoleError:
			role = openai.ChatMessageRoleUser
		case session.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case session.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case session.RoleApproval:
			continue // handled separately by handleApprovals
		}

		content := m.Content
		if m.Role == session.RoleAssistant && m.Reply != nil {
			for _, turn := range m.Reply.Turns {
				for _, r := range turn.Results {
					if r.Type == session.TurnResultText {
						if content != "" {
							content += "\n"
						}
						content += r.Text
					}
				}
			}
		}

		out = append(out, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	return out
}

func (a *Adapter) call(ctx context.Context, history []openai.ChatCompletionMessage, tools []openai.Tool, settings session.Settings) (text string, calls []parsedToolCall, inputTokens, outputTokens int, truncated bool, err error) {
	req := openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Messages:    history,
		Stream:      true,
		Temperature: float32(settings.Temperature),
		TopP:        float32(settings.TopP),
	}
	if settings.MaxOutputTokens > 0 {
		req.MaxTokens = settings.MaxOutputTokens
	}
	if len(tools) > 0 {
		req.Tools = tools
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			a.log.Error("completion request failed", "status", apiErr.HTTPStatusCode, "message", apiErr.Message)
		}
		return "", nil, 0, 0, false, fmt.Errorf("openaicompat: %w", err)
	}
	defer stream.Close()

	return readStream(stream)
}

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// streamReceiver is the subset of *openai.ChatCompletionStream readStream
// consumes, narrowed to keep the parsing loop unit-testable against a fake.
type streamReceiver interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
}

func readStream(stream streamReceiver) (text string, calls []parsedToolCall, inputTokens, outputTokens int, truncated bool, err error) {
	builders := map[int]*toolCallBuilder{}
	var textBuf strings.Builder

	for {
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			return "", nil, 0, 0, false, recvErr
		}

		if chunk.Usage != nil {
			inputTokens = chunk.Usage.PromptTokens
			outputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		textBuf.WriteString(delta.Content)
		for _, tc := range delta.ToolCalls {
			idx := indexOrZero(tc)
			b := builders[idx]
			if b == nil {
				b = &toolCallBuilder{}
				builders[idx] = b
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				b.args.WriteString(tc.Function.Arguments)
			}
		}
		if chunk.Choices[0].FinishReason == openai.FinishReasonLength {
			truncated = true
		}
	}

	for i := 0; i < len(builders); i++ {
		b := builders[i]
		if b == nil || b.name == "" {
			continue
		}
		calls = append(calls, parsedToolCall{id: b.id, name: b.name, args: b.args.String()})
	}

	return textBuf.String(), calls, inputTokens, outputTokens, truncated, nil
}

// indexOrZero extracts the streaming tool-call slot index; servers that
// omit it entirely (single tool call, no index field) default to slot 0,
// the same nil-check OpenAIProvider.processStream does.
func indexOrZero(tc openai.ToolCall) int {
	if tc.Index != nil {
		return *tc.Index
	}
	return 0
}
