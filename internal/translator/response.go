package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/vertex-balancer/internal/adapter/vertex"
)

// NewCompletionID mints the id shared by a completion and, for streams, by
// every frame of it.
func NewCompletionID() string { return "chatcmpl-" + uuid.New().String() }

// FromVertexResponse maps a unary Vertex response onto the OpenAI completion
// shape, echoing back the requested model.
func FromVertexResponse(resp *vertex.GenerateContentResponse, model string) *ChatCompletionResponse {
	out := &ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}
	// The synthetic no-candidate completion carries zeroed usage.
	if len(resp.Candidates) == 0 {
		reason := "error"
		out.Choices = []Choice{{
			Index:        0,
			Message:      ResponseMessage{Role: "assistant", Content: nil},
			FinishReason: &reason,
		}}
		out.Error = &ErrorDetail{
			Message: "upstream returned no candidates",
			Type:    "upstream_response_error",
		}
		return out
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	cand := resp.Candidates[0]
	msg := ResponseMessage{Role: "assistant"}
	if calls := toolCalls(cand); len(calls) > 0 {
		msg.ToolCalls = calls
	} else {
		var texts []string
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p.Text != "" {
					texts = append(texts, p.Text)
				}
			}
		}
		joined := strings.Join(texts, "")
		msg.Content = &joined
	}
	out.Choices = []Choice{{
		Index:        0,
		Message:      msg,
		FinishReason: MapFinishReason(cand.FinishReason),
	}}
	return out
}

func toolCalls(cand vertex.Candidate) []ToolCall {
	if cand.Content == nil {
		return nil
	}
	var calls []ToolCall
	callGroup := uuid.New().String()
	for i, p := range cand.Content.Parts {
		if p.FunctionCall == nil {
			continue
		}
		args := p.FunctionCall.Args
		if args == nil {
			args = map[string]any{}
		}
		encoded, err := json.Marshal(args)
		if err != nil {
			encoded = []byte("{}")
		}
		calls = append(calls, ToolCall{
			ID:   fmt.Sprintf("call_%s_%d", callGroup, i),
			Type: "function",
			Function: ToolCallFunction{
				Name:      p.FunctionCall.Name,
				Arguments: string(encoded),
			},
		})
	}
	return calls
}

// MapFinishReason translates Vertex finish reasons to OpenAI ones. Unknown
// or unspecified reasons map to nil.
func MapFinishReason(reason string) *string {
	var mapped string
	switch reason {
	case vertex.FinishReasonStop:
		mapped = "stop"
	case vertex.FinishReasonMaxTokens:
		mapped = "length"
	case vertex.FinishReasonSafety:
		mapped = "content_filter"
	case vertex.FinishReasonRecitation:
		mapped = "recitation"
	default:
		return nil
	}
	return &mapped
}
