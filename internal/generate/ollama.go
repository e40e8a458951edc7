package generate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
)

// DefaultOllamaURL is the local Ollama endpoint.
const DefaultOllamaURL = "http://127.0.0.1:11434"

// LLM produces text for a prompt.
type LLM interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Ollama calls a local Ollama runtime's /api/generate endpoint.
type Ollama struct {
	client *resty.Client
	// Attempts is the total number of tries; only connection failures are
	// retried.
	Attempts int
}

// NewOllama returns a client for baseURL with a per-request timeout.
func NewOllama(baseURL string, timeout time.Duration) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	return &Ollama{client: client, Attempts: 2}
}

func (o *Ollama) Generate(ctx context.Context, model, prompt string) (string, error) {
	attempts := o.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		var text string
		text, err = o.generate(ctx, model, prompt)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil || !transient(err) {
			break
		}
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return "", err
	}
	return "", apperr.Wrap(apperr.KindGenerationRuntime, err,
		"call Ollama at %s; ensure Ollama is running locally", o.client.BaseURL)
}

func (o *Ollama) generate(ctx context.Context, model, prompt string) (string, error) {
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(generateRequest{Model: model, Prompt: prompt, Stream: false}).
		Post("/api/generate")
	if err != nil {
		return "", err
	}

	var out generateResponse
	parseErr := json.Unmarshal(resp.Body(), &out)
	if resp.IsError() {
		detail := out.Error
		if parseErr != nil || detail == "" {
			detail = strings.TrimSpace(resp.String())
		}
		return "", apperr.New(apperr.KindGenerationRuntime, "ollama returned %d: %s", resp.StatusCode(), detail)
	}
	if parseErr != nil {
		return "", apperr.Wrap(apperr.KindGenerationRuntime, parseErr, "parse ollama response")
	}
	if out.Response == "" {
		return "", apperr.New(apperr.KindGenerationRuntime, "ollama response missing text")
	}
	return out.Response, nil
}

// transient reports connection-level failures worth one more try.
func transient(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
