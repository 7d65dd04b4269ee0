package dispatch

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator approximates token counts for streamed completions whose
// finish chunk carried no usage metadata. cl100k_base is not the Gemini
// tokenizer, but the estimate only feeds request logs, never billing.
type TokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTokenEstimator loads the encoding once at startup. A load failure is
// survivable: estimation is skipped and logs carry zero token counts.
func NewTokenEstimator() *TokenEstimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("token encoding unavailable, streamed usage will not be estimated", slog.Any("error", err))
		return &TokenEstimator{}
	}
	return &TokenEstimator{enc: enc}
}

// Count returns the approximate token count of text, or 0 when no encoding
// is loaded.
func (e *TokenEstimator) Count(text string) int {
	if e == nil || e.enc == nil || text == "" {
		return 0
	}
	return len(e.enc.Encode(text, nil, nil))
}
