// Package ai wraps an OpenAI-compatible chat-completions endpoint.
// Each call carries its own timeout so one slow analyst cannot stall a cycle.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"perp-trader/internal/config"
)

// Completer produces one model completion for a system+user prompt pair.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Client talks to the configured chat-completions endpoint.
type Client struct {
	http    *resty.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient builds an AI client from config.
func NewClient(cfg config.AIConfig, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Authorization", "Bearer "+cfg.ApiKey).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second)

	return &Client{
		http:    http,
		model:   cfg.Model,
		timeout: cfg.CallTimeout,
		logger:  logger.With("component", "ai"),
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one chat request and returns the raw completion text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0.2,
		ResponseFormat: &respFormat{Type: "json_object"},
	}

	var out chatResponse
	start := time.Now()
	resp, err := c.http.R().
		SetContext(callCtx).
		SetBody(req).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("ai call: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("ai call: http %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Error != nil {
		return "", fmt.Errorf("ai call: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("ai call: empty choices")
	}

	c.logger.Debug("ai completion",
		"model", c.model,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out.Choices[0].Message.Content, nil
}

// StripFences removes a markdown code fence wrapper from a completion, a
// habit some models keep even in JSON mode.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
