// internal/providers/transcription/remote.go
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fieldlog/voice-pipeline/internal/common/config"
	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/providers"
)

// Remote calls the speech-recognition provider's HTTP API.
type Remote struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewRemote(cfg config.ProviderConfig) *Remote {
	return &Remote{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  providers.NewHTTPClient(cfg.TimeoutDuration()),
	}
}

func (r *Remote) Name() string { return r.name }

func (r *Remote) Transcribe(ctx context.Context, audio []byte, language string) (Result, error) {
	requestBody := map[string]interface{}{
		"audio":    audio, // base64-encoded by encoding/json
		"language": language,
		"encoding": "pcm_16000",
	}

	body, _ := json.Marshal(requestBody)
	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/v1/transcribe", bytes.NewBuffer(body))
	if err != nil {
		return Result{}, pipeerrors.NewInvalidResponseError(r.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, providers.MapTransportError(r.name, Service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, providers.MapStatusError(r.name, Service, resp.StatusCode)
	}

	var apiResponse struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResponse); err != nil {
		return Result{}, pipeerrors.NewInvalidResponseError(r.name, fmt.Errorf("decode error: %w", err))
	}
	if apiResponse.Confidence < 0 || apiResponse.Confidence > 1 {
		return Result{}, pipeerrors.NewInvalidResponseError(r.name,
			fmt.Errorf("confidence out of range: %f", apiResponse.Confidence))
	}

	return Result{Text: apiResponse.Text, Confidence: apiResponse.Confidence}, nil
}
