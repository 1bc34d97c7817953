package openaicompat

import (
	"io"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"tsagent/pkg/session"
)

func TestTranslateInMapsRoles(t *testing.T) {
	messages := []session.InternalMessage{
		{Role: session.RoleSystem, Content: "be helpful"},
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleApproval, Decisions: []session.ToolCallApproval{{ServerName: "fs", ToolName: "read_file"}}},
	}

	out := translateIn(messages)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 (approval role skipped)", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem || out[1].Role != openai.ChatMessageRoleUser {
		t.Errorf("roles = %q, %q", out[0].Role, out[1].Role)
	}
}

func TestTranslateInAppendsAssistantReplyText(t *testing.T) {
	reply := &session.ModelReply{
		Turns: []session.Turn{{Results: []session.TurnResult{{Type: session.TurnResultText, Text: "answer"}}}},
	}
	out := translateIn([]session.InternalMessage{{Role: session.RoleAssistant, Reply: reply}})
	if len(out) != 1 || out[0].Content != "answer" {
		t.Fatalf("out = %+v", out)
	}
}

func TestToolsToOpenAI(t *testing.T) {
	tools := []session.ToolSchema{
		{MangledName: "fs_read_file", Description: "reads a file", InputSchema: map[string]any{"type": "object"}},
	}
	out := toolsToOpenAI(tools)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].Type != openai.ToolTypeFunction || out[0].Function.Name != "fs_read_file" {
		t.Errorf("out[0] = %+v", out[0])
	}
}

// fakeStream is a streamReceiver stand-in that replays a fixed sequence of
// chunks, grounded on the same Recv-until-io.EOF shape
// *openai.ChatCompletionStream exposes.
type fakeStream struct {
	chunks []openai.ChatCompletionStreamResponse
	i      int
}

func (f *fakeStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if f.i >= len(f.chunks) {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}

func contentChunk(s string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: s}}},
	}
}

func intPtr(n int) *int { return &n }

func TestReadStreamAccumulatesText(t *testing.T) {
	stream := &fakeStream{chunks: []openai.ChatCompletionStreamResponse{contentChunk("Hel"), contentChunk("lo")}}
	text, calls, _, _, _, err := readStream(stream)
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if text != "Hello" {
		t.Errorf("text = %q, want %q", text, "Hello")
	}
	if len(calls) != 0 {
		t.Errorf("calls = %+v, want none", calls)
	}
}

func TestReadStreamKeepsConcurrentToolCallsSeparate(t *testing.T) {
	stream := &fakeStream{chunks: []openai.ChatCompletionStreamResponse{
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{
			{Index: intPtr(0), ID: "call_a", Function: openai.FunctionCall{Name: "read_file", Arguments: `{"path":`}},
		}}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{
			{Index: intPtr(1), ID: "call_b", Function: openai.FunctionCall{Name: "write_file", Arguments: `{"path":`}},
		}}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{
			{Index: intPtr(0), Function: openai.FunctionCall{Arguments: `"a.txt"}`}},
		}}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{
			{Index: intPtr(1), Function: openai.FunctionCall{Arguments: `"b.txt"}`}},
		}}}}},
	}}

	_, calls, _, _, _, err := readStream(stream)
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2 (one per tool-call index)", len(calls))
	}
	if calls[0].name != "read_file" || calls[0].args != `{"path":"a.txt"}` {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if calls[1].name != "write_file" || calls[1].args != `{"path":"b.txt"}` {
		t.Errorf("calls[1] = %+v", calls[1])
	}
}

func TestReadStreamMarksTruncated(t *testing.T) {
	stream := &fakeStream{chunks: []openai.ChatCompletionStreamResponse{
		{Choices: []openai.ChatCompletionStreamChoice{{
			Delta:        openai.ChatCompletionStreamChoiceDelta{Content: "partial"},
			FinishReason: openai.FinishReasonLength,
		}}},
	}}
	_, _, _, _, truncated, err := readStream(stream)
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if !truncated {
		t.Errorf("expected truncated = true")
	}
}

func TestReadStreamAccumulatesUsage(t *testing.T) {
	stream := &fakeStream{chunks: []openai.ChatCompletionStreamResponse{
		{Usage: &openai.Usage{PromptTokens: 12, CompletionTokens: 34}},
	}}
	_, _, inTok, outTok, _, err := readStream(stream)
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if inTok != 12 || outTok != 34 {
		t.Errorf("tokens = %d, %d, want 12, 34", inTok, outTok)
	}
}

func TestIndexOrZeroUsesExplicitIndex(t *testing.T) {
	if got := indexOrZero(openai.ToolCall{Index: intPtr(3)}); got != 3 {
		t.Errorf("indexOrZero = %d, want 3", got)
	}
	if got := indexOrZero(openai.ToolCall{}); got != 0 {
		t.Errorf("indexOrZero = %d, want 0 default", got)
	}
}
