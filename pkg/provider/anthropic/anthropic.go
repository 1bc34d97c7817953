// Package anthropic implements a session.Adapter backed by
// github.com/anthropics/anthropic-sdk-go's non-streaming Messages.New,
// grounded on godex's pkg/backend/anthropic (client.go/translate.go):
// the same message/tool-use/tool-result translation, adapted from a
// single-token streaming client into a multi-instance, non-streaming
// adapter matching the generateResponse(session, messages) -> ModelReply
// contract.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"tsagent/pkg/session"
)

// Config is the per-instance wiring.
type Config struct {
	APIKey string
	Model  string
}

// Adapter implements session.Adapter against the Anthropic Messages API.
type Adapter struct {
	client anthropic.Client
	model  string
}

// New creates an Adapter bound to a model and API key.
func New(cfg Config) *Adapter {
	return &Adapter{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}
}

var _ session.Adapter = (*Adapter)(nil)

// GenerateResponse implements session.Adapter per spec.md §4.5: translate
// in, handle a trailing approval message, then loop up to
// session.settings.maxChatTurns calling the model and dispatching tool-use
// blocks.
func (a *Adapter) GenerateResponse(ctx context.Context, sess *session.Session, dispatcher session.ToolDispatcher, messages []session.InternalMessage) (session.ModelReply, error) {
	reply := session.ModelReply{}

	system, history := translateIn(messages)

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
		return reply, fmt.Errorf("anthropic: active tools: %w", err)
	}
	toolParams, err := translateTools(tools)
	if err != nil {
		return reply, fmt.Errorf("anthropic: translate tools: %w", err)
	}

	settings := sess.GetSettings()
	maxTurns := settings.MaxChatTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}
	maxTokens := int64(settings.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	capReached := true
	for i := 0; i < maxTurns; i++ {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: maxTokens,
			Messages:  history,
		}
		if len(system) > 0 {
			params.System = system
		}
		if len(toolParams) > 0 {
			params.Tools = toolParams
		}
		if settings.Temperature > 0 {
			params.Temperature = anthropic.Float(settings.Temperature)
		}
		if settings.TopP > 0 {
			params.TopP = anthropic.Float(settings.TopP)
		}

		msg, callErr := a.client.Messages.New(ctx, params)
		if callErr != nil {
			reply.Turns = append(reply.Turns, session.Turn{
				Error: fmt.Sprintf("Error: Failed to generate response from anthropic - %s", callErr.Error()),
			})
			return reply, nil
		}

		turn := session.Turn{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		}

		var toolUses []anthropic.ToolUseBlock
		assistantBlocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				turn.Results = append(turn.Results, session.TurnResult{Type: session.TurnResultText, Text: variant.Text})
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))
			case anthropic.ToolUseBlock:
				toolUses = append(toolUses, variant)
				var input map[string]any
				_ = json.Unmarshal(variant.Input, &input)
				assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(variant.ID, input, variant.Name))
			}
		}
		if msg.StopReason == "max_tokens" {
			turn.Error = "Output truncated: maximum tokens reached"
		}

		history = append(history, anthropic.NewAssistantMessage(assistantBlocks...))

		if len(toolUses) == 0 {
			reply.Turns = append(reply.Turns, turn)
			capReached = false
			break
		}

		pendingBreak := false
		var resultBlocks []anthropic.ContentBlockParamUnion
		for _, tu := range toolUses {
			serverName, toolName, ok := dispatcher.Unmangle(tu.Name)
			if !ok {
				serverName, toolName = "", tu.Name
			}

			var args map[string]any
			_ = json.Unmarshal(tu.Input, &args)

			if session.IsApprovalRequiredForDispatch(sess, dispatcher, serverName, toolName) {
				reply.PendingToolCalls = append(reply.PendingToolCalls, session.PendingCall{
					ServerName: serverName, ToolName: toolName, Args: args, ToolCallID: tu.ID,
				})
				pendingBreak = true
				continue
			}

			outcome, execErr := dispatcher.CallTool(ctx, tu.Name, args, sess.ID)
			execResult := session.ExecutedCall{
				ServerName: serverName, ToolName: toolName, Args: args, ToolCallID: tu.ID,
				ElapsedMs: outcome.ElapsedMs,
			}
			isError := false
			if execErr != nil {
				execResult.Error = execErr.Error()
				isError = true
			} else {
				execResult.Output = outcome.Text
				execResult.Error = outcome.Error
				isError = outcome.Error != ""
			}
			turn.Results = append(turn.Results, session.TurnResult{Type: session.TurnResultToolCall, ToolCall: execResult})

			resultText := execResult.Output
			if resultText == "" {
				resultText = execResult.Error
			}
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(tu.ID, resultText, isError))
		}

		reply.Turns = append(reply.Turns, turn)
		if pendingBreak {
			capReached = false
			break
		}
		if len(resultBlocks) > 0 {
			history = append(history, anthropic.NewUserMessage(resultBlocks...))
		}
	}

	if capReached {
		reply.Turns = append(reply.Turns, session.Turn{Error: "Maximum number of tool uses reached"})
	}

	return reply, nil
}

// handleApprovals implements spec.md §4.5 step 2 for a trailing
// role=approval message.
func handleApprovals(ctx context.Context, sess *session.Session, dispatcher session.ToolDispatcher, history []anthropic.MessageParam, decisions []session.ToolCallApproval) (session.Turn, []anthropic.MessageParam, error) {
	turn := session.Turn{}
	var resultBlocks []anthropic.ContentBlockParamUnion

	for _, d := range decisions {
		var execResult session.ExecutedCall
		isError := false
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
				isError = true
			} else {
				execResult.Output = outcome.Text
				execResult.Error = outcome.Error
				isError = outcome.Error != ""
			}
		case session.DecisionDeny:
			execResult = session.ExecutedCall{
				ServerName: d.ServerName, ToolName: d.ToolName, Args: d.Args, ToolCallID: d.ToolCallID,
				Output: "Tool call denied", Error: "Tool call denied",
			}
			isError = true
		}
		turn.Results = append(turn.Results, session.TurnResult{Type: session.TurnResultToolCall, ToolCall: execResult})

		resultText := execResult.Output
		if resultText == "" {
			resultText = execResult.Error
		}
		resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(d.ToolCallID, resultText, isError))
	}

	if len(resultBlocks) > 0 {
		history = append(history, anthropic.NewUserMessage(resultBlocks...))
	}
	return turn, history, nil
}

// translateIn splits the internal message list into Anthropic's separate
// system-prompt slice and conversational message slice, grounded on
// godex's translateRequest: role=system -> TextBlockParam accumulated into
// System; role=user/error -> NewUserMessage; role=assistant -> re-expands
// its Reply's text and tool-call turns into text/tool-use blocks so a
// second call in the same turn loop sees its own prior tool use.
func translateIn(messages []session.InternalMessage) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var out []anthropic.MessageParam

	for _, m := range messages {
		switch m.Role {
		case session.RoleSystem:
			if m.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case session.RoleUser, session.RoleError:
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case session.RoleApproval:
			// handled by handleApprovals, not here.
		case session.RoleAssistant:
			out = append(out, assistantHistoryMessages(m)...)
		}
	}

	return system, out
}

// assistantHistoryMessages re-expands a historical assistant reply into
// the assistant/user message pairs Anthropic expects: each Turn becomes an
// assistant message (its text and tool_use blocks) followed, when that
// turn dispatched any tool calls, by a user message carrying the matching
// tool_result blocks — the same request/response pairing Anthropic
// requires live, reproduced here for replayed history.
func assistantHistoryMessages(m session.InternalMessage) []anthropic.MessageParam {
	if m.Reply == nil {
		return nil
	}
	var out []anthropic.MessageParam
	for _, turn := range m.Reply.Turns {
		var assistantBlocks []anthropic.ContentBlockParamUnion
		var resultBlocks []anthropic.ContentBlockParamUnion
		for _, r := range turn.Results {
			switch r.Type {
			case session.TurnResultText:
				if r.Text != "" {
					assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(r.Text))
				}
			case session.TurnResultToolCall:
				assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(r.ToolCall.ToolCallID, r.ToolCall.Args, r.ToolCall.ServerName+"_"+r.ToolCall.ToolName))
				resultText := r.ToolCall.Output
				isError := r.ToolCall.Error != ""
				if resultText == "" {
					resultText = r.ToolCall.Error
				}
				resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(r.ToolCall.ToolCallID, resultText, isError))
			}
		}
		if len(assistantBlocks) == 0 {
			continue
		}
		out = append(out, anthropic.NewAssistantMessage(assistantBlocks...))
		if len(resultBlocks) > 0 {
			out = append(out, anthropic.NewUserMessage(resultBlocks...))
		}
	}
	return out
}

// translateTools converts the active toolset into Anthropic's
// ToolUnionParam shape, grounded on godex's translateTools.
func translateTools(tools []session.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if t.InputSchema != nil {
			if props, ok := t.InputSchema["properties"].(map[string]any); ok {
				schema.Properties = props
			}
			if req, ok := t.InputSchema["required"].([]any); ok {
				for _, r := range req {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.MangledName,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return result, nil
}
