package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/fairyhunter13/vertex-balancer/internal/domain"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// ServiceAccountKey is the subset of a GCP service-account JSON key the
// client validates before use. The raw blob is handed to the oauth2 layer.
type ServiceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	ProjectID   string `json:"project_id"`
}

// ParseServiceAccountKey validates the credential blob. A key missing
// client_email or private_key cannot authenticate and is a configuration
// error, not an upstream one.
func ParseServiceAccountKey(raw string) (ServiceAccountKey, error) {
	var key ServiceAccountKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return ServiceAccountKey{}, fmt.Errorf("service account key is not valid JSON: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return ServiceAccountKey{}, fmt.Errorf("service account key missing client_email or private_key")
	}
	return key, nil
}

// Client calls the generative-content API of one target binding. Credentials
// are parsed per request by design: the admin surface may rotate them at any
// time and the store is the only coherent source.
type Client struct {
	hc        *http.Client
	projectID string
	location  string
	model     string
}

// NewClient builds an authenticated client for one (target, model) pair.
func NewClient(ctx context.Context, saKeyJSON, projectID, location, model string, timeout time.Duration) (*Client, error) {
	if _, err := ParseServiceAccountKey(saKeyJSON); err != nil {
		return nil, err
	}
	conf, err := google.JWTConfigFromJSON([]byte(saKeyJSON), cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("jwt config from service account key: %w", err)
	}
	hc := conf.Client(ctx)
	hc.Timeout = timeout
	return &Client{hc: hc, projectID: projectID, location: location, model: model}, nil
}

func (c *Client) endpoint(verb string) string {
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		c.location, c.projectID, c.location, c.model, verb)
}

// Generate performs a unary generateContent call.
func (c *Client) Generate(ctx context.Context, req *GenerateContentRequest) (*GenerateContentResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("generateContent"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.UpstreamError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err), Unparseable: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp, raw)
	}
	var out GenerateContentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Error("vertex response decode failed",
			slog.String("model", c.model),
			slog.Int("status", resp.StatusCode),
			slog.Any("error", err))
		return nil, &domain.UpstreamError{Code: resp.StatusCode, Message: "response body is not valid JSON", Unparseable: true}
	}
	return &out, nil
}

// Stream opens a streamGenerateContent call in SSE mode. The caller owns the
// returned stream and must Close it; cancelling ctx aborts the transfer.
func (c *Client) Stream(ctx context.Context, req *GenerateContentRequest) (StreamReader, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("streamGenerateContent")+"?alt=sse", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(hreq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, decodeError(resp, raw)
	}
	return newSSEStream(resp.Body), nil
}

// vertexErrorBody is the upstream error JSON: {"error":{code,message,status}}.
// The code field carries the HTTP status; status carries the gRPC-style name.
type vertexErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func decodeError(resp *http.Response, raw []byte) *domain.UpstreamError {
	ue := &domain.UpstreamError{Code: resp.StatusCode}
	var body vertexErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && (body.Error.Code != 0 || body.Error.Message != "") {
		if body.Error.Code != 0 {
			ue.Code = body.Error.Code
		}
		ue.GRPCStatus = body.Error.Status
		ue.Message = body.Error.Message
	} else {
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		ue.Message = snippet
	}
	if ra := retryAfter(resp); ra != nil {
		ue.RetryAfter = ra
	}
	return ue
}

// retryAfter parses the Retry-After header in either delta-seconds or
// HTTP-date form.
func retryAfter(resp *http.Response) *time.Time {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		t := time.Now().Add(time.Duration(secs) * time.Second)
		return &t
	}
	if t, err := http.ParseTime(v); err == nil {
		return &t
	}
	return nil
}
