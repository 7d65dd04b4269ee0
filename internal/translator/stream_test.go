package translator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/vertex-balancer/internal/adapter/vertex"
)

type fakeStream struct {
	chunks []*vertex.GenerateContentResponse
	err    error
	closed bool
}

func (f *fakeStream) Recv() (*vertex.GenerateContentResponse, error) {
	if len(f.chunks) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	c := f.chunks[0]
	f.chunks = f.chunks[1:]
	return c, nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func textChunk(text string) *vertex.GenerateContentResponse {
	return &vertex.GenerateContentResponse{Candidates: []vertex.Candidate{{
		Content: &vertex.Content{Role: "model", Parts: []vertex.Part{{Text: text}}},
	}}}
}

func finishChunk(reason string, usage *vertex.UsageMetadata) *vertex.GenerateContentResponse {
	return &vertex.GenerateContentResponse{
		Candidates:    []vertex.Candidate{{FinishReason: reason}},
		UsageMetadata: usage,
	}
}

func decodeFrames(t *testing.T, body string) []ChatCompletionChunk {
	t.Helper()
	var out []ChatCompletionChunk
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		var c ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &c))
		out = append(out, c)
	}
	return out
}

func TestPumpSSERelaysChunks(t *testing.T) {
	stream := &fakeStream{chunks: []*vertex.GenerateContentResponse{
		textChunk("Hel"),
		textChunk("lo"),
		finishChunk(vertex.FinishReasonStop, &vertex.UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 2, TotalTokenCount: 5}),
	}}
	w := httptest.NewRecorder()
	res := PumpSSE(context.Background(), w, stream, "gemini-2.0-flash", testLogger())

	require.True(t, stream.closed)
	require.NoError(t, res.Err)
	require.True(t, res.SawFinish)
	require.Equal(t, "Hello", res.CompletionText)
	require.NotNil(t, res.Usage)
	require.Equal(t, 5, res.Usage.TotalTokens)

	body := w.Body.String()
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	frames := decodeFrames(t, body)
	require.Len(t, frames, 3)
	for _, f := range frames {
		require.Equal(t, frames[0].ID, f.ID, "all frames share one id")
		require.Equal(t, "chat.completion.chunk", f.Object)
		require.Equal(t, "gemini-2.0-flash", f.Model)
	}
	require.Equal(t, "Hel", frames[0].Choices[0].Delta.Content)
	require.Equal(t, "lo", frames[1].Choices[0].Delta.Content)
	require.Nil(t, frames[0].Choices[0].FinishReason)
	require.Equal(t, "stop", *frames[2].Choices[0].FinishReason)
	require.Empty(t, frames[2].Choices[0].Delta.Content)
}

func TestPumpSSEMidStreamError(t *testing.T) {
	stream := &fakeStream{
		chunks: []*vertex.GenerateContentResponse{textChunk("partial")},
		err:    errors.New("connection reset"),
	}
	w := httptest.NewRecorder()
	res := PumpSSE(context.Background(), w, stream, "m", testLogger())

	require.Error(t, res.Err)
	require.False(t, res.SawFinish)

	body := w.Body.String()
	// The error is reported in-band and the stream still terminates cleanly.
	require.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	frames := decodeFrames(t, body)
	require.Len(t, frames, 2)
	last := frames[len(frames)-1]
	require.NotNil(t, last.Error)
	require.Equal(t, "stream_error", last.Error.Type)
	require.Empty(t, last.Choices)
}

func TestPumpSSEClientCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream := &fakeStream{chunks: []*vertex.GenerateContentResponse{textChunk("x")}}
	w := httptest.NewRecorder()
	res := PumpSSE(ctx, w, stream, "m", testLogger())

	require.True(t, stream.closed)
	require.NoError(t, res.Err)
	require.NotContains(t, w.Body.String(), `"x"`)
}
