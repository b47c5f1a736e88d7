package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	elevenLabsBaseURL        = "https://api.elevenlabs.io/v1"
	elevenLabsDefaultModel   = "eleven_multilingual_v2"
	elevenLabsOutputFormat   = "mp3_44100_128"
	defaultElevenLabsTimeout = 60 * time.Second

	elevenLabsStability       = 0.5
	elevenLabsSimilarityBoost = 0.75
)

// ElevenLabsSynth calls the ElevenLabs text-to-speech endpoint.
type ElevenLabsSynth struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// ElevenLabsOption configures an ElevenLabsSynth.
type ElevenLabsOption func(*ElevenLabsSynth)

func WithElevenLabsBaseURL(url string) ElevenLabsOption {
	return func(s *ElevenLabsSynth) {
		if url != "" {
			s.baseURL = strings.TrimRight(url, "/")
		}
	}
}

func WithElevenLabsModel(model string) ElevenLabsOption {
	return func(s *ElevenLabsSynth) {
		if model != "" {
			s.model = model
		}
	}
}

func WithElevenLabsTimeout(timeout time.Duration) ElevenLabsOption {
	return func(s *ElevenLabsSynth) {
		if timeout > 0 {
			s.client.Timeout = timeout
		}
	}
}

// WithElevenLabsClient replaces the HTTP client. The client is used as is.
func WithElevenLabsClient(client *http.Client) ElevenLabsOption {
	return func(s *ElevenLabsSynth) {
		s.client = client
	}
}

func NewElevenLabs(apiKey string, opts ...ElevenLabsOption) *ElevenLabsSynth {
	s := &ElevenLabsSynth{
		apiKey:  apiKey,
		baseURL: elevenLabsBaseURL,
		model:   elevenLabsDefaultModel,
		client: &http.Client{
			Timeout:   defaultElevenLabsTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id,omitempty"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (s *ElevenLabsSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	body, err := json.Marshal(elevenLabsRequest{
		Text:    req.Text,
		ModelID: s.model,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       elevenLabsStability,
			SimilarityBoost: elevenLabsSimilarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s", s.baseURL, req.Voice, elevenLabsOutputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read elevenlabs response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
