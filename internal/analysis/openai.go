package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ashureev/reqplan/internal/apperror"
	"golang.org/x/time/rate"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4"
	defaultTemperature   = 0.3
)

// OpenAIConfig configures an OpenAI-compatible chat completions capability.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	RPS         float64
	HTTPClient  *http.Client
}

// OpenAICapability calls a chat completions endpoint once per Execute.
type OpenAICapability struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
	limiter     *rate.Limiter
}

var _ Capability = (*OpenAICapability)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAICapability returns a capability backed by cfg.
func NewOpenAICapability(cfg OpenAIConfig) (*OpenAICapability, error) {
	if cfg.APIKey == "" {
		return nil, apperror.New(apperror.KindConfiguration, "openai API key required", nil)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.HTTPClient == nil {
		// No client timeout: Guard bounds each call through the context.
		cfg.HTTPClient = &http.Client{}
	}

	return &OpenAICapability{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		httpClient:  cfg.HTTPClient,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RPS), int(cfg.RPS)+1),
	}, nil
}

// Execute sends task and context as one chat completion.
func (o *OpenAICapability) Execute(ctx context.Context, task, taskContext string) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	messages := []chatMessage{}
	if strings.TrimSpace(taskContext) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: "Conversation context:\n" + taskContext})
	}
	messages = append(messages, chatMessage{Role: "user", Content: task})

	payload, err := json.Marshal(chatRequest{Model: o.model, Messages: messages, Temperature: o.temperature})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperror.New(apperror.KindTimeout, "capability request timeout", err)
		}
		return "", apperror.New(apperror.KindNetwork, "capability request failed: network error", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", apperror.New(apperror.KindNetwork, "failed to read capability response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", apperror.New(apperror.KindProcessing, "failed to parse capability response", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", apperror.New(apperror.KindProcessing, ErrEmptyResponse.Error(), ErrEmptyResponse)
	}
	return parsed.Choices[0].Message.Content, nil
}

func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var parsed chatResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		msg = parsed.Error.Message
	}
	cause := fmt.Errorf("API error (%d): %s", status, msg)

	switch {
	case status == http.StatusTooManyRequests:
		return apperror.New(apperror.KindRateLimit, "capability rate limit exceeded", cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperror.New(apperror.KindAuthentication, "capability authentication failed", cause)
	case status >= 500:
		return apperror.New(apperror.KindNetwork, "capability server error", cause)
	default:
		return apperror.New(apperror.KindProcessing, cause.Error(), cause)
	}
}
