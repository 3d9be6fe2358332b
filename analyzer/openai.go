package analyzer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	OpenAIBaseURL = "https://api.openai.com"
	OpenAIModel   = "gpt-4o-mini"
)

// OpenAI calls the chat completions endpoint with the document as a
// data URI image part.
type OpenAI struct {
	clientConfig
	apiKey string
}

func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	return &OpenAI{
		clientConfig: newClientConfig("openai", OpenAIBaseURL, OpenAIModel, opts),
		apiKey:       apiKey,
	}
}

func (o *OpenAI) Name() string { return "openai" }

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIMessage struct {
	Role    string              `json:"role"`
	Content []openAIContentPart `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (o *OpenAI) Analyze(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	text, err := o.complete(ctx, in)
	if err != nil {
		return nil, o.failed(ctx, o.Name(), start, err)
	}
	return o.finish(ctx, o.Name(), text, start)
}

func (o *OpenAI) complete(ctx context.Context, in Input) (string, error) {
	if err := o.wait(ctx); err != nil {
		return "", err
	}

	dataURI := "data:" + in.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(in.Data)
	payload, err := json.Marshal(openAIRequest{
		Model: o.model,
		Messages: []openAIMessage{{
			Role: "user",
			Content: []openAIContentPart{
				{Type: "text", Text: o.prompt},
				{Type: "image_url", ImageURL: &openAIImageURL{URL: dataURI}},
			},
		}},
		Temperature: 0.1,
		MaxTokens:   2000,
	})
	if err != nil {
		return "", fmt.Errorf("openai: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("openai: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return "", readProviderError("openai", resp)
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("openai: decoding response: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	return out.Choices[0].Message.Content, nil
}
