package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/karmacadabra/karma-go/pkg/config"
)

const transformTimeout = 60 * time.Second

// Transformer turns purchased upstream bytes into the downstream
// product. The core treats both sides as opaque.
type Transformer interface {
	Transform(ctx context.Context, input []byte) ([]byte, error)
}

// Passthrough republishes the input unchanged. It is the fallback when
// no transform endpoint is configured.
type Passthrough struct{}

// Transform implements Transformer.
func (Passthrough) Transform(_ context.Context, input []byte) ([]byte, error) {
	return input, nil
}

// NewTransformer picks the transform implementation from configuration.
func NewTransformer(cfg config.TransformConfiguration, log *zap.Logger) Transformer {
	if cfg.Endpoint == "" {
		return Passthrough{}
	}
	return &chatCompletionTransformer{
		cfg:    cfg,
		client: &http.Client{Timeout: transformTimeout},
		log:    log.With(zap.String("transform", cfg.Model)),
	}
}

// chatCompletionTransformer calls an OpenAI-compatible chat completion
// endpoint with the configured prompt as the system message and the
// input bytes as the user message.
type chatCompletionTransformer struct {
	cfg    config.TransformConfiguration
	client *http.Client
	log    *zap.Logger
}

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []completionMessage `json:"messages"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
}

// Transform implements Transformer.
func (t *chatCompletionTransformer) Transform(ctx context.Context, input []byte) ([]byte, error) {
	body, err := json.Marshal(completionRequest{
		Model: t.cfg.Model,
		Messages: []completionMessage{
			{Role: "system", Content: t.cfg.Prompt},
			{Role: "user", Content: string(input)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode transform request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transform call: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read transform response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transform endpoint returned %s", resp.Status)
	}
	var cr completionResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("decode transform response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("transform endpoint returned no choices")
	}
	t.log.Debug("transformed", zap.Int("in", len(input)), zap.Int("out", len(cr.Choices[0].Message.Content)))
	return []byte(cr.Choices[0].Message.Content), nil
}
