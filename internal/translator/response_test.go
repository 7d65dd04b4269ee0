package translator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/vertex-balancer/internal/adapter/vertex"
)

func TestFromVertexResponseText(t *testing.T) {
	resp := &vertex.GenerateContentResponse{
		Candidates: []vertex.Candidate{{
			Content: &vertex.Content{Role: "model", Parts: []vertex.Part{
				{Text: "Hello "},
				{Text: "world"},
			}},
			FinishReason: vertex.FinishReasonStop,
		}},
		UsageMetadata: &vertex.UsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2, TotalTokenCount: 6},
	}
	out := FromVertexResponse(resp, "gemini-2.0-flash")
	require.True(t, strings.HasPrefix(out.ID, "chatcmpl-"))
	require.Equal(t, "chat.completion", out.Object)
	require.Equal(t, "gemini-2.0-flash", out.Model)
	require.Len(t, out.Choices, 1)
	require.NotNil(t, out.Choices[0].Message.Content)
	require.Equal(t, "Hello world", *out.Choices[0].Message.Content)
	require.Equal(t, "stop", *out.Choices[0].FinishReason)
	require.Equal(t, 6, out.Usage.TotalTokens)
	require.Nil(t, out.Error)
}

func TestFromVertexResponseToolCalls(t *testing.T) {
	resp := &vertex.GenerateContentResponse{
		Candidates: []vertex.Candidate{{
			Content: &vertex.Content{Role: "model", Parts: []vertex.Part{
				{FunctionCall: &vertex.FunctionCall{Name: "get_weather", Args: map[string]any{"city": "Paris"}}},
				{FunctionCall: &vertex.FunctionCall{Name: "get_time", Args: nil}},
			}},
			FinishReason: vertex.FinishReasonStop,
		}},
	}
	out := FromVertexResponse(resp, "m")
	msg := out.Choices[0].Message
	require.Nil(t, msg.Content)
	require.Len(t, msg.ToolCalls, 2)
	require.True(t, strings.HasPrefix(msg.ToolCalls[0].ID, "call_"))
	require.NotEqual(t, msg.ToolCalls[0].ID, msg.ToolCalls[1].ID)
	require.Equal(t, "function", msg.ToolCalls[0].Type)
	require.Equal(t, "get_weather", msg.ToolCalls[0].Function.Name)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.ToolCalls[0].Function.Arguments), &args))
	require.Equal(t, "Paris", args["city"])
	require.JSONEq(t, "{}", msg.ToolCalls[1].Function.Arguments)
}

func TestFromVertexResponseNoCandidates(t *testing.T) {
	out := FromVertexResponse(&vertex.GenerateContentResponse{}, "m")
	require.Len(t, out.Choices, 1)
	require.Nil(t, out.Choices[0].Message.Content)
	require.Equal(t, "error", *out.Choices[0].FinishReason)
	require.NotNil(t, out.Error)
	require.Equal(t, "upstream_response_error", out.Error.Type)
}

func TestFromVertexResponseNoCandidatesZeroesUsage(t *testing.T) {
	out := FromVertexResponse(&vertex.GenerateContentResponse{
		UsageMetadata: &vertex.UsageMetadata{PromptTokenCount: 4, TotalTokenCount: 4},
	}, "m")
	require.NotNil(t, out.Error)
	require.Zero(t, out.Usage)
}

func TestMapFinishReason(t *testing.T) {
	tests := []struct {
		in   string
		want string
		nil_ bool
	}{
		{vertex.FinishReasonStop, "stop", false},
		{vertex.FinishReasonMaxTokens, "length", false},
		{vertex.FinishReasonSafety, "content_filter", false},
		{vertex.FinishReasonRecitation, "recitation", false},
		{vertex.FinishReasonOther, "", true},
		{"", "", true},
		{"SOMETHING_NEW", "", true},
	}
	for _, tt := range tests {
		got := MapFinishReason(tt.in)
		if tt.nil_ {
			require.Nil(t, got, tt.in)
			continue
		}
		require.NotNil(t, got, tt.in)
		require.Equal(t, tt.want, *got)
	}
}
