// Package openrouter implements the fallback LLM extractor on the
// OpenRouter chat-completions API.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/ai"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
	"github.com/fairyhunter13/invoice-extractor/internal/config"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

const providerName = "openrouter"

// Client implements domain.LLMClient against an OpenAI-compatible endpoint.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	cleaner *ai.ResponseCleaner
	counter *tokencount.Counter
}

func New(cfg config.Config) *Client {
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cleaner: ai.NewResponseCleaner(),
		counter: tokencount.NewCounter(),
	}
}

func (c *Client) Name() string { return providerName }

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
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) ExtractInvoice(ctx domain.Context, prompt, text string) (string, error) {
	if c.cfg.OpenRouterAPIKey == "" {
		return "", fmt.Errorf("%w: OPENROUTER_API_KEY missing", domain.ErrInvalidArgument)
	}

	reqBody := chatRequest{
		Model: c.cfg.OpenRouterModel,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
		Temperature: 0.2,
	}
	b, _ := json.Marshal(reqBody)
	url := c.cfg.OpenRouterBaseURL + "/chat/completions"

	start := time.Now()
	var out chatResponse
	var lastStatus int
	op := func() error {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer "+c.cfg.OpenRouterAPIKey)
		if c.cfg.OpenRouterReferer != "" {
			r.Header.Set("HTTP-Referer", c.cfg.OpenRouterReferer)
		}
		r.Header.Set("X-Title", c.cfg.OpenRouterTitle)

		resp, err := c.hc.Do(r)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		lastStatus = resp.StatusCode

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("llm provider rate limited", slog.String("provider", providerName), slog.Int("status", resp.StatusCode))
			return fmt.Errorf("openrouter status 429")
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			slog.Warn("llm provider 4xx",
				slog.String("provider", providerName),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes, 512)))
			return backoff.Permanent(fmt.Errorf("openrouter status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			slog.Error("llm provider non-2xx",
				slog.String("provider", providerName),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes, 512)))
			return fmt.Errorf("openrouter status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode openrouter response: %w", err))
		}
		return nil
	}

	expo := newBackoff(c.cfg)
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		observability.ObserveLLM(providerName, "error", time.Since(start))
		return "", classify(err, lastStatus)
	}

	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		observability.ObserveLLM(providerName, "error", time.Since(start))
		return "", fmt.Errorf("op=openrouter.extract: empty choices: %w", domain.ErrSchemaInvalid)
	}

	cleaned, err := c.cleaner.CleanAndValidateJSON(out.Choices[0].Message.Content)
	if err != nil {
		observability.ObserveLLM(providerName, "invalid_json", time.Since(start))
		return "", fmt.Errorf("op=openrouter.extract: %w: %v", domain.ErrSchemaInvalid, err)
	}

	observability.ObserveLLM(providerName, "ok", time.Since(start))
	c.recordTokens(prompt, text, cleaned, out)
	return cleaned, nil
}

func (c *Client) recordTokens(prompt, text, completion string, out chatResponse) {
	p := out.Usage.PromptTokens
	comp := out.Usage.CompletionTokens
	if p == 0 && comp == 0 {
		u := c.counter.Estimate(prompt, text, completion, c.cfg.OpenRouterModel, providerName)
		p, comp = u.PromptTokens, u.CompletionTokens
	}
	observability.AddLLMTokens(providerName, p, comp)
}

func newBackoff(cfg config.Config) *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsed, initial, maxInterval, multiplier := cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

func classify(err error, lastStatus int) error {
	switch {
	case lastStatus == http.StatusTooManyRequests:
		return fmt.Errorf("op=openrouter.extract: %w: %v", domain.ErrUpstreamRateLimit, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return fmt.Errorf("op=openrouter.extract: %w: %v", domain.ErrUpstreamTimeout, err)
	case lastStatus >= 500 || lastStatus == 0:
		return fmt.Errorf("op=openrouter.extract: %w: %v", domain.ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("op=openrouter.extract: %w", err)
	}
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
