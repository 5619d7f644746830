package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TTSClient synthesizes speech for a script. Implementations wrap one
// provider's HTTP API.
type TTSClient interface {
	Synthesize(ctx context.Context, script, voiceID string) ([]byte, error)
}

// OpenAIClient calls the OpenAI speech endpoint.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient builds a client; baseURL and model fall back to the
// standard endpoint and tts-1.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "tts-1"
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *OpenAIClient) Synthesize(ctx context.Context, script, voiceID string) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"input": script,
		"voice": voiceID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai tts: %w", err)
	}
	defer resp.Body.Close()

	return readTTSResponse(resp, "openai")
}

// ElevenLabsClient calls the ElevenLabs text-to-speech endpoint.
type ElevenLabsClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewElevenLabsClient builds a client; baseURL falls back to the public API.
func NewElevenLabsClient(apiKey, baseURL string) *ElevenLabsClient {
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io/v1"
	}
	return &ElevenLabsClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *ElevenLabsClient) Synthesize(ctx context.Context, script, voiceID string) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"text":     script,
		"model_id": "eleven_multilingual_v2",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s", c.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs tts: %w", err)
	}
	defer resp.Body.Close()

	return readTTSResponse(resp, "elevenlabs")
}

// readTTSResponse maps provider status codes onto the retry taxonomy:
// 4xx (other than 429) means the request itself is bad and retrying is
// pointless; 429/5xx are transient.
func readTTSResponse(resp *http.Response, provider string) ([]byte, error) {
	if resp.StatusCode == http.StatusOK {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", provider, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%s returned empty audio", provider)
		}
		return data, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("%s tts: status %d: %s", provider, resp.StatusCode, bytes.TrimSpace(detail))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return nil, Fatal(err)
	}
	return nil, err
}
