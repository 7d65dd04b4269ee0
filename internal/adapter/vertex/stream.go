package vertex

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// StreamReader is a lazy, single-use sequence of generation chunks. Recv
// returns io.EOF when the upstream stream is exhausted. Implemented by the
// SSE stream below and by test fakes in the dispatch layer.
type StreamReader interface {
	Recv() (*GenerateContentResponse, error)
	Close() error
}

// sseStream decodes the alt=sse framing of streamGenerateContent: one
// "data: {json}" line per chunk, blank-line separated. Nothing is buffered
// beyond the current line so first-token latency is preserved.
type sseStream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
}

var dataPrefix = []byte("data:")

func newSSEStream(body io.ReadCloser) *sseStream {
	sc := bufio.NewScanner(body)
	// Chunks carrying inline data can exceed the default 64K line limit.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseStream{body: body, sc: sc}
}

func (s *sseStream) Recv() (*GenerateContentResponse, error) {
	for s.sc.Scan() {
		line := bytes.TrimSpace(s.sc.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, dataPrefix))
		if len(payload) == 0 {
			continue
		}
		var chunk GenerateContentResponse
		if err := json.Unmarshal(payload, &chunk); err != nil {
			return nil, err
		}
		return &chunk, nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error { return s.body.Close() }
