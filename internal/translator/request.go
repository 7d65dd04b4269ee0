package translator

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/vertex-balancer/internal/adapter/vertex"
	"github.com/fairyhunter13/vertex-balancer/internal/domain"
)

// dataURLRe matches the only accepted image form: a base64 data URL.
var dataURLRe = regexp.MustCompile(`^data:image/([a-zA-Z0-9.+-]+);base64,(.+)$`)

// ToVertexRequest maps an OpenAI chat-completion request onto the Vertex
// generative-content shape.
//
// System messages are hoisted: their texts are joined with blank lines and
// prepended to the first subsequent user message. Tool results become
// functionResponse parts on user turns; assistant tool calls become
// functionCall parts on model turns. Sequence irregularities are logged as
// warnings, never repaired by merging — upstream gets the conversation as
// the client shaped it.
func ToVertexRequest(lg *slog.Logger, req *ChatCompletionRequest) (*vertex.GenerateContentRequest, error) {
	var (
		contents      []vertex.Content
		pendingSystem []string
	)
	for i, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if txt, ok := textContent(msg.Content); ok && txt != "" {
				pendingSystem = append(pendingSystem, txt)
			} else {
				lg.Warn("dropping system message without usable text", slog.Int("index", i))
			}
		case "user":
			parts := userParts(lg, i, msg.Content)
			if len(pendingSystem) > 0 {
				parts = prependSystem(parts, strings.Join(pendingSystem, "\n\n"))
				pendingSystem = nil
			}
			if len(parts) == 0 {
				lg.Warn("dropping user message with no convertible content", slog.Int("index", i))
				continue
			}
			contents = append(contents, vertex.Content{Role: "user", Parts: parts})
		case "assistant", "model":
			parts := assistantParts(lg, i, msg)
			if len(parts) == 0 {
				lg.Warn("dropping assistant message with no convertible content", slog.Int("index", i))
				continue
			}
			contents = append(contents, vertex.Content{Role: "model", Parts: parts})
		case "tool", "function":
			part, ok := functionResponsePart(msg)
			if !ok {
				lg.Warn("dropping tool message with unparseable content", slog.Int("index", i))
				continue
			}
			contents = append(contents, vertex.Content{Role: "user", Parts: []vertex.Part{part}})
		default:
			lg.Warn("skipping message with unknown role", slog.Int("index", i), slog.String("role", msg.Role))
		}
	}
	// System prompt with no user message to attach to: emit it as a user
	// turn rather than silently dropping instructions.
	if len(pendingSystem) > 0 {
		lg.Warn("system prompt had no subsequent user message; emitting as user turn")
		contents = append(contents, vertex.Content{
			Role:  "user",
			Parts: []vertex.Part{{Text: strings.Join(pendingSystem, "\n\n")}},
		})
	}
	if len(contents) == 0 {
		return nil, domain.InvalidRequest("messages contain no convertible content")
	}
	validateSequence(lg, contents)

	out := &vertex.GenerateContentRequest{Contents: contents}
	if req.MaxTokens != nil || req.Temperature != nil || req.TopP != nil {
		out.GenerationConfig = &vertex.GenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
		}
	}
	return out, nil
}

// PromptText joins every message's text content, for token estimation when
// the upstream reports no usage.
func PromptText(req *ChatCompletionRequest) string {
	var texts []string
	for _, msg := range req.Messages {
		if txt, ok := textContent(msg.Content); ok && txt != "" {
			texts = append(texts, txt)
		}
	}
	return strings.Join(texts, "\n")
}

// textContent returns string-form content, or the concatenated text elements
// of array-form content.
func textContent(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", false
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return "", false
	}
	return strings.Join(texts, "\n"), true
}

func userParts(lg *slog.Logger, idx int, raw json.RawMessage) []vertex.Part {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []vertex.Part{{Text: s}}
	}
	var elems []ContentPart
	if err := json.Unmarshal(raw, &elems); err != nil {
		lg.Warn("dropping message content of unknown shape", slog.Int("index", idx))
		return nil
	}
	var parts []vertex.Part
	for _, e := range elems {
		switch e.Type {
		case "text":
			parts = append(parts, vertex.Part{Text: e.Text})
		case "image_url":
			if e.ImageURL == nil {
				lg.Warn("dropping image_url element without url", slog.Int("index", idx))
				continue
			}
			if blob, ok := imageBlob(lg, idx, e.ImageURL.URL); ok {
				parts = append(parts, vertex.Part{InlineData: blob})
			}
		default:
			lg.Warn("dropping content element of unknown type",
				slog.Int("index", idx), slog.String("type", e.Type))
		}
	}
	return parts
}

// imageBlob converts a base64 data URL into inline data. Remote URLs are not
// fetched: only the data-URL form is accepted.
func imageBlob(lg *slog.Logger, idx int, url string) (*vertex.Blob, bool) {
	m := dataURLRe.FindStringSubmatch(url)
	if m == nil {
		lg.Warn("dropping non-base64 image url", slog.Int("index", idx))
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		lg.Warn("dropping image with invalid base64 payload", slog.Int("index", idx), slog.Any("error", err))
		return nil, false
	}
	mime := "image/" + m[1]
	// Trust the sniffed type over a mislabeled data URL header.
	if sniffed := mimetype.Detect(decoded); strings.HasPrefix(sniffed.String(), "image/") && sniffed.String() != mime {
		lg.Debug("image mime label corrected",
			slog.String("declared", mime), slog.String("detected", sniffed.String()))
		mime = sniffed.String()
	}
	return &vertex.Blob{MIMEType: mime, Data: m[2]}, true
}

func assistantParts(lg *slog.Logger, idx int, msg ChatMessage) []vertex.Part {
	var parts []vertex.Part
	if txt, ok := textContent(msg.Content); ok && txt != "" {
		parts = append(parts, vertex.Part{Text: txt})
	}
	for _, tc := range msg.ToolCalls {
		if tc.Type != "function" || tc.Function.Name == "" {
			lg.Warn("dropping malformed tool call", slog.Int("index", idx), slog.String("type", tc.Type))
			continue
		}
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				lg.Warn("dropping tool call with unparseable arguments",
					slog.Int("index", idx), slog.String("name", tc.Function.Name))
				continue
			}
		}
		parts = append(parts, vertex.Part{FunctionCall: &vertex.FunctionCall{Name: tc.Function.Name, Args: args}})
	}
	return parts
}

// functionResponsePart decodes the stringified {name, response} JSON a tool
// message carries.
func functionResponsePart(msg ChatMessage) (vertex.Part, bool) {
	raw, ok := textContent(msg.Content)
	if !ok {
		return vertex.Part{}, false
	}
	var body struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil || (body.Name == "" && body.Response == nil) {
		// Accept a bare JSON object as the response payload itself.
		var generic map[string]any
		if err2 := json.Unmarshal([]byte(raw), &generic); err2 != nil || generic == nil {
			return vertex.Part{}, false
		}
		body.Response = generic
	}
	if body.Name == "" {
		body.Name = msg.Name
	}
	if body.Name == "" {
		body.Name = msg.ToolCallID
	}
	if body.Response == nil {
		body.Response = map[string]any{}
	}
	return vertex.Part{FunctionResponse: &vertex.FunctionResponse{Name: body.Name, Response: body.Response}}, true
}

func prependSystem(parts []vertex.Part, system string) []vertex.Part {
	for i := range parts {
		if parts[i].Text != "" || (parts[i].InlineData == nil && parts[i].FunctionCall == nil && parts[i].FunctionResponse == nil) {
			if parts[i].Text == "" {
				parts[i].Text = system
			} else {
				parts[i].Text = system + "\n\n" + parts[i].Text
			}
			return parts
		}
	}
	return append([]vertex.Part{{Text: system}}, parts...)
}

// validateSequence logs the conversation-shape warnings: conversations must
// open with user, alternate user/model, and close every functionCall with a
// functionResponse followed by a model turn. Violations are warnings only;
// upstream makes the final call.
func validateSequence(lg *slog.Logger, contents []vertex.Content) {
	if contents[0].Role != "user" {
		lg.Warn("conversation does not start with a user message", slog.String("first_role", contents[0].Role))
	}
	for i := 1; i < len(contents); i++ {
		prev, cur := contents[i-1], contents[i]
		if cur.Role == prev.Role {
			lg.Warn("consecutive messages with the same role", slog.Int("index", i), slog.String("role", cur.Role))
			continue
		}
		// user after model is the normal alternation; the functionResponse
		// follow-up to a functionCall is the permitted exception and is
		// checked below.
	}
	for i, c := range contents {
		if c.Role != "model" || !hasFunctionCall(c) {
			continue
		}
		if i+1 >= len(contents) || contents[i+1].Role != "user" || !hasFunctionResponse(contents[i+1]) {
			lg.Warn("functionCall not followed by a functionResponse", slog.Int("index", i))
			continue
		}
		if i+2 < len(contents) && contents[i+2].Role != "model" {
			lg.Warn("functionResponse not followed by a model message", slog.Int("index", i+1))
		}
	}
}

func hasFunctionCall(c vertex.Content) bool {
	for _, p := range c.Parts {
		if p.FunctionCall != nil {
			return true
		}
	}
	return false
}

func hasFunctionResponse(c vertex.Content) bool {
	for _, p := range c.Parts {
		if p.FunctionResponse != nil {
			return true
		}
	}
	return false
}
