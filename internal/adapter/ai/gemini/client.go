// Package gemini implements the primary LLM extractor on the Gemini
// generateContent API.
package gemini

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

const providerName = "gemini"

// Client implements domain.LLMClient against the Gemini REST API.
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

type generateRequest struct {
	SystemInstruction *content         `json:"system_instruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// ExtractInvoice sends the extraction prompt plus OCR text and returns the
// cleaned JSON object from the reply. Transient upstream failures are
// retried with exponential backoff; 4xx responses abort immediately.
func (c *Client) ExtractInvoice(ctx domain.Context, prompt, text string) (string, error) {
	if c.cfg.GeminiAPIKey == "" {
		return "", fmt.Errorf("%w: GEMINI_API_KEY missing", domain.ErrInvalidArgument)
	}

	reqBody := generateRequest{
		SystemInstruction: &content{Parts: []part{{Text: prompt}}},
		Contents:          []content{{Role: "user", Parts: []part{{Text: text}}}},
		GenerationConfig: generationConfig{
			Temperature:      0.2,
			ResponseMimeType: "application/json",
		},
	}
	b, _ := json.Marshal(reqBody)
	url := c.cfg.GeminiBaseURL + "/v1beta/models/" + c.cfg.GeminiModel + ":generateContent"

	start := time.Now()
	var out generateResponse
	var lastStatus int
	op := func() error {
		// Rebuild the request each attempt so the body is never a
		// consumed reader.
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("x-goog-api-key", c.cfg.GeminiAPIKey)

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
			return fmt.Errorf("gemini status 429")
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			slog.Warn("llm provider 4xx",
				slog.String("provider", providerName),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes, 512)))
			return backoff.Permanent(fmt.Errorf("gemini status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			slog.Error("llm provider non-2xx",
				slog.String("provider", providerName),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes, 512)))
			return fmt.Errorf("gemini status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode gemini response: %w", err))
		}
		return nil
	}

	expo := newBackoff(c.cfg)
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		observability.ObserveLLM(providerName, "error", time.Since(start))
		return "", classify(err, lastStatus)
	}

	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		observability.ObserveLLM(providerName, "error", time.Since(start))
		return "", fmt.Errorf("op=gemini.extract: empty candidates: %w", domain.ErrSchemaInvalid)
	}

	raw := out.Candidates[0].Content.Parts[0].Text
	cleaned, err := c.cleaner.CleanAndValidateJSON(raw)
	if err != nil {
		observability.ObserveLLM(providerName, "invalid_json", time.Since(start))
		return "", fmt.Errorf("op=gemini.extract: %w: %v", domain.ErrSchemaInvalid, err)
	}

	observability.ObserveLLM(providerName, "ok", time.Since(start))
	c.recordTokens(prompt, text, cleaned, out)
	return cleaned, nil
}

func (c *Client) recordTokens(prompt, text, completion string, out generateResponse) {
	p := out.UsageMetadata.PromptTokenCount
	comp := out.UsageMetadata.CandidatesTokenCount
	if p == 0 && comp == 0 {
		u := c.counter.Estimate(prompt, text, completion, c.cfg.GeminiModel, providerName)
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

// classify maps an exhausted retry loop onto the domain error taxonomy.
func classify(err error, lastStatus int) error {
	switch {
	case lastStatus == http.StatusTooManyRequests:
		return fmt.Errorf("op=gemini.extract: %w: %v", domain.ErrUpstreamRateLimit, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return fmt.Errorf("op=gemini.extract: %w: %v", domain.ErrUpstreamTimeout, err)
	case lastStatus >= 500 || lastStatus == 0:
		return fmt.Errorf("op=gemini.extract: %w: %v", domain.ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("op=gemini.extract: %w", err)
	}
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
