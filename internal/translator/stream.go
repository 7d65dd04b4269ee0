package translator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairyhunter13/vertex-balancer/internal/adapter/vertex"
)

// StreamResult reports what a finished pump delivered, for request logging.
type StreamResult struct {
	// Usage from the finish chunk's usageMetadata, when the upstream sent it.
	Usage *Usage
	// SawFinish is true when a finish-reason frame was emitted.
	SawFinish bool
	// CompletionText is the concatenated streamed text, kept for token
	// estimation when the upstream omits usage metadata.
	CompletionText string
	// Err is the mid-stream upstream error, if any. It was already reported
	// in-band; the HTTP response cannot be rebuilt at this point.
	Err error
}

// PumpSSE relays a Vertex stream to the client as OpenAI chat.completion.chunk
// frames. The completion id and created timestamp are fixed at stream start
// and reused for every frame. The last frame is always "data: [DONE]".
//
// Nothing is buffered: each upstream chunk is translated and flushed as it
// arrives. Client cancellation (ctx done) stops the pump immediately.
func PumpSSE(ctx context.Context, w http.ResponseWriter, stream vertex.StreamReader, model string, lg *slog.Logger) StreamResult {
	defer func() { _ = stream.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fl, _ := w.(http.Flusher)
	id := NewCompletionID()
	created := time.Now().Unix()

	var res StreamResult
	for {
		select {
		case <-ctx.Done():
			return res
		default:
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return res
			}
			res.Err = err
			lg.Warn("upstream stream failed mid-flight", slog.Any("error", err))
			writeFrame(w, fl, ChatCompletionChunk{
				ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []ChunkChoice{},
				Error:   &ErrorDetail{Message: err.Error(), Type: "stream_error"},
			})
			break
		}
		if text := chunkText(chunk); text != "" {
			res.CompletionText += text
			writeFrame(w, fl, ChatCompletionChunk{
				ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{Content: text}, FinishReason: nil}},
			})
		}
		if reason := chunkFinishReason(chunk); reason != "" && !res.SawFinish {
			frame := ChatCompletionChunk{
				ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{}, FinishReason: MapFinishReason(reason)}},
			}
			if chunk.UsageMetadata != nil {
				frame.Usage = &Usage{
					PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
					CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
				}
				res.Usage = frame.Usage
			}
			writeFrame(w, fl, frame)
			res.SawFinish = true
		}
	}

	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	if fl != nil {
		fl.Flush()
	}
	return res
}

func writeFrame(w http.ResponseWriter, fl http.Flusher, chunk ChatCompletionChunk) {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
	if fl != nil {
		fl.Flush()
	}
}

func chunkText(chunk *vertex.GenerateContentResponse) string {
	if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
		return ""
	}
	var out string
	for _, p := range chunk.Candidates[0].Content.Parts {
		out += p.Text
	}
	return out
}

func chunkFinishReason(chunk *vertex.GenerateContentResponse) string {
	if len(chunk.Candidates) == 0 {
		return ""
	}
	r := chunk.Candidates[0].FinishReason
	if r == "" || r == vertex.FinishReasonUnspecified {
		return ""
	}
	return r
}
