package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xggarcia/Curt-IA/pkg/dispatch"
)

// Gemini defaults.
const (
	ProviderGemini        dispatch.ProviderKind = "gemini"
	DefaultGeminiEndpoint                       = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel                          = "gemini-flash-lite-latest"
)

// ErrEmptyResponse is returned when the provider answers without text.
var ErrEmptyResponse = errors.New("llm: empty response")

const maxErrorBody = 512

// GeminiConfig configures the Gemini caller.
type GeminiConfig struct {
	Endpoint   string
	Model      string
	HTTPClient *http.Client
	Breaker    *CircuitBreaker
}

// GeminiCaller performs one generateContent attempt per Call. It implements
// dispatch.Caller; payloads are JSON-encoded Requests and bodies are
// JSON-encoded Responses.
type GeminiCaller struct {
	endpoint string
	model    string
	client   *http.Client
	breaker  *CircuitBreaker
	logger   *slog.Logger
}

// NewGeminiCaller creates a caller. Timeouts come from the attempt context.
func NewGeminiCaller(cfg GeminiConfig) *GeminiCaller {
	g := &GeminiCaller{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		client:   cfg.HTTPClient,
		breaker:  cfg.Breaker,
		logger:   slog.Default().With("component", "llm.gemini"),
	}
	if g.endpoint == "" {
		g.endpoint = DefaultGeminiEndpoint
	}
	if g.model == "" {
		g.model = DefaultGeminiModel
	}
	if g.client == nil {
		g.client = &http.Client{}
	}
	if g.breaker == nil {
		g.breaker = NewCircuitBreaker("gemini", 5, 30*time.Second)
	}
	return g
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Call implements dispatch.Caller.
func (g *GeminiCaller) Call(ctx context.Context, _ dispatch.ProviderKind, payload []byte, cred dispatch.Credential) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &dispatch.ProviderError{Kind: dispatch.KindPermanent, Err: fmt.Errorf("gemini: decode request: %w", err)}
	}
	body, err := json.Marshal(toGemini(req))
	if err != nil {
		return nil, &dispatch.ProviderError{Kind: dispatch.KindPermanent, Err: fmt.Errorf("gemini: marshal request: %w", err)}
	}

	if !g.breaker.Allow() {
		return nil, &dispatch.ProviderError{Kind: dispatch.KindTransient, Err: fmt.Errorf("%w for %s", ErrCircuitOpen, g.breaker.Name())}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.endpoint, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &dispatch.ProviderError{Kind: dispatch.KindPermanent, Err: fmt.Errorf("gemini: create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", cred.Secret)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		g.breaker.Failure()
		return nil, &dispatch.ProviderError{Kind: dispatch.KindTransient, Err: fmt.Errorf("gemini: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		g.breaker.Failure()
		return nil, &dispatch.ProviderError{Kind: dispatch.KindTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("gemini: read body: %w", err)}
	}

	if perr := classifyResponse(resp.StatusCode, resp.Header, raw); perr != nil {
		if perr.Kind == dispatch.KindTransient {
			g.breaker.Failure()
		} else {
			g.breaker.Success()
		}
		g.logger.DebugContext(ctx, "gemini call failed",
			"credential", cred.ID, "status", resp.StatusCode, "kind", perr.Kind)
		return nil, perr
	}
	g.breaker.Success()

	out, err := fromGemini(raw)
	if err != nil {
		return nil, &dispatch.ProviderError{Kind: dispatch.KindPermanent, StatusCode: resp.StatusCode, Err: err}
	}
	return json.Marshal(out)
}

func toGemini(req Request) geminiRequest {
	gr := geminiRequest{}
	if req.System != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" || m.Role == "model" {
			role = "model"
		}
		gr.Contents = append(gr.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	if o := req.Options; o != nil {
		gc := &geminiGenerationConfig{MaxOutputTokens: o.MaxOutputTokens}
		if o.Temperature > 0 {
			t := o.Temperature
			gc.Temperature = &t
		}
		if o.TopP > 0 {
			p := o.TopP
			gc.TopP = &p
		}
		gr.GenerationConfig = gc
	}
	return gr
}

func fromGemini(raw []byte) (Response, error) {
	var gr geminiResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return Response{}, fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(gr.Candidates) == 0 {
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			return Response{}, fmt.Errorf("%w: prompt blocked (%s)", ErrEmptyResponse, gr.PromptFeedback.BlockReason)
		}
		return Response{}, fmt.Errorf("%w: no candidates", ErrEmptyResponse)
	}
	c := gr.Candidates[0]
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		sb.WriteString(p.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return Response{}, fmt.Errorf("%w: finish reason %s", ErrEmptyResponse, c.FinishReason)
	}
	return Response{Content: sb.String(), FinishReason: c.FinishReason}, nil
}

// classifyResponse maps a non-2xx answer to a ProviderError; nil means
// success.
func classifyResponse(status int, header http.Header, body []byte) *dispatch.ProviderError {
	if status >= 200 && status < 300 {
		return nil
	}
	err := errors.New(errorMessage(status, body))

	lower := strings.ToLower(string(body))
	quotaHint := strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "exceeded")

	switch {
	case status == http.StatusTooManyRequests:
		if wait := parseRetryAfter(header.Get("Retry-After")); wait > 0 {
			return &dispatch.ProviderError{Kind: dispatch.KindRateLimited, StatusCode: status, RetryAfter: wait, Err: err}
		}
		return &dispatch.ProviderError{Kind: dispatch.KindQuota, StatusCode: status, Err: err}
	case quotaHint:
		return &dispatch.ProviderError{Kind: dispatch.KindQuota, StatusCode: status, Err: err}
	case status >= 500 || status == http.StatusRequestTimeout:
		return &dispatch.ProviderError{Kind: dispatch.KindTransient, StatusCode: status, Err: err}
	default:
		return &dispatch.ProviderError{Kind: dispatch.KindPermanent, StatusCode: status, Err: err}
	}
}

func errorMessage(status int, body []byte) string {
	var ge geminiError
	if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
		if ge.Error.Status != "" {
			return fmt.Sprintf("gemini %s: %s", ge.Error.Status, ge.Error.Message)
		}
		return "gemini: " + ge.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	if text == "" {
		text = http.StatusText(status)
	}
	return "gemini: " + text
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
