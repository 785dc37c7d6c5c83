package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type Narrator interface {
	Narrate(ctx context.Context, imageRef string) (string, error)
}

const DefaultPrompt = `You are a mystic palm reader. Someone uploaded a picture of their palm and wants to know their destiny.
Give a reading that covers what palm reading usually touches on: love, career, health and the future. Go beyond the obvious, be creative and offer a unique view.
Avoid generic phrases like "everything will be fine" or "you will succeed". Keep it under 200 words and never leave a sentence unfinished.
Use a warm, empathetic tone. Emojis are welcome.`

type InferenceConfig struct {
	BaseURL     string // OpenAI-compatible root, "/chat/completions" is appended
	Token       string
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Prompt      string
	Vision      bool
	GatewayURL  string
	Pacing      Pacing
}

type InferenceClient struct {
	cfg  InferenceConfig
	call caller
}

func NewInferenceClient(cfg InferenceConfig, client *http.Client, observe Observer) *InferenceClient {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	return &InferenceClient{cfg: cfg, call: newCaller("inference", client, cfg.Pacing, observe)}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Narrate asks the model for a reading. The result is trimmed and may be empty.
// imageRef is the content hash of the pinned image; it is only sent in vision mode.
func (c *InferenceClient) Narrate(ctx context.Context, imageRef string) (string, error) {
	if c.cfg.BaseURL == "" || c.cfg.Token == "" || c.cfg.Model == "" {
		return "", fmt.Errorf("inference: %w", ErrNotConfigured)
	}

	msg := chatMessage{Role: "user", Content: c.cfg.Prompt}
	if c.cfg.Vision && imageRef != "" {
		msg.Content = []contentPart{
			{Type: "text", Text: c.cfg.Prompt},
			{Type: "image_url", ImageURL: &imageURL{URL: c.imageURL(imageRef)}},
		}
	}

	payload, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{msg},
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("inference: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("inference: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	body, err := c.call.do(ctx, req)
	if err != nil {
		return "", err
	}

	var res chatResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("inference: decoding response: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(res.Choices[0].Message.Content), nil
}

func (c *InferenceClient) imageURL(hash string) string {
	return strings.TrimSuffix(c.cfg.GatewayURL, "/") + "/" + hash
}
