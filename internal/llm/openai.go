package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAICompatProvider implements Provider for any OpenAI-compatible API.
// Works with Kimi/Moonshot, DeepSeek, and others. It does not implement
// ToolProvider; callers that need tools should use AnthropicProvider.
type OpenAICompatProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
}

// NewOpenAICompat creates a provider for OpenAI-compatible APIs.
func NewOpenAICompat(name, baseURL, apiKey, model string) *OpenAICompatProvider {
	return &OpenAICompatProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
	}
}

func (p *OpenAICompatProvider) Name() string { return p.name }

func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var messages []map[string]string
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	body := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
	}

	resp, err := doOpenAIRequest(ctx, p.baseURL+"/chat/completions", p.apiKey, body)
	if err != nil {
		return nil, &ProviderError{
			Message:  err.Error(),
			Provider: p.name,
		}
	}

	return resp, nil
}

var openaiHTTPClient = &http.Client{Timeout: 5 * time.Minute}

// doOpenAIRequest makes an HTTP request to an OpenAI-compatible endpoint.
func doOpenAIRequest(ctx context.Context, url, apiKey string, body map[string]interface{}) (*CompletionResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := openaiHTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	var content, stopReason string
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
		stopReason = oaiResp.Choices[0].FinishReason
	}

	return &CompletionResponse{
		Content:      content,
		Model:        oaiResp.Model,
		InputTokens:  oaiResp.Usage.PromptTokens,
		OutputTokens: oaiResp.Usage.CompletionTokens,
		StopReason:   stopReason,
	}, nil
}
