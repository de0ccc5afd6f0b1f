// internal/providers/intent/remote.go
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	"github.com/fieldlog/voice-pipeline/internal/common/config"
	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/providers"
)

// responseSchema validates the parser's payload before the pipeline trusts
// it. A payload that fails validation is an InvalidResponse, not a retry.
const responseSchema = `{
  "type": "object",
  "required": ["action", "confidence"],
  "properties": {
    "action": {"type": "string", "minLength": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "clarification": {"type": "string"},
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type", "value"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"type": "string", "enum": ["int", "decimal", "string", "token"]},
          "value": {}
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(responseSchema)

// Remote calls the language-understanding provider's HTTP API.
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

func (r *Remote) Parse(ctx context.Context, transcript, language string, hints map[string]string) (collab.Intent, error) {
	requestBody := map[string]interface{}{
		"query":    transcript,
		"language": language,
	}
	if len(hints) > 0 {
		requestBody["context"] = hints
	}

	body, _ := json.Marshal(requestBody)
	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/v1/parse-intent", bytes.NewBuffer(body))
	if err != nil {
		return collab.Intent{}, pipeerrors.NewInvalidResponseError(r.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return collab.Intent{}, providers.MapTransportError(r.name, Service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return collab.Intent{}, providers.MapStatusError(r.name, Service, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return collab.Intent{}, providers.MapTransportError(r.name, Service, err)
	}

	validation, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return collab.Intent{}, pipeerrors.NewInvalidResponseError(r.name, err)
	}
	if !validation.Valid() {
		var problems []string
		for _, desc := range validation.Errors() {
			problems = append(problems, desc.String())
		}
		return collab.Intent{}, pipeerrors.NewInvalidResponseError(r.name,
			fmt.Errorf("schema violation: %s", strings.Join(problems, "; ")))
	}

	var apiResponse struct {
		Action        string  `json:"action"`
		Confidence    float64 `json:"confidence"`
		Clarification string  `json:"clarification"`
		Entities      []struct {
			Name  string      `json:"name"`
			Type  string      `json:"type"`
			Value interface{} `json:"value"`
		} `json:"entities"`
	}
	if err := json.Unmarshal(payload, &apiResponse); err != nil {
		return collab.Intent{}, pipeerrors.NewInvalidResponseError(r.name, err)
	}

	entities := make(map[string]collab.EntityValue, len(apiResponse.Entities))
	for _, e := range apiResponse.Entities {
		ev, err := convertEntity(e.Type, e.Value)
		if err != nil {
			return collab.Intent{}, pipeerrors.NewInvalidResponseError(r.name,
				fmt.Errorf("entity %q: %w", e.Name, err))
		}
		entities[e.Name] = ev
	}

	return collab.Intent{
		Action:        apiResponse.Action,
		Entities:      entities,
		Confidence:    apiResponse.Confidence,
		Clarification: apiResponse.Clarification,
	}, nil
}

func convertEntity(kind string, value interface{}) (collab.EntityValue, error) {
	switch kind {
	case "int":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return collab.EntityValue{}, fmt.Errorf("expected integer, got %v", value)
		}
		return collab.IntValue(int64(f)), nil
	case "decimal":
		f, ok := value.(float64)
		if !ok {
			return collab.EntityValue{}, fmt.Errorf("expected number, got %v", value)
		}
		return collab.DecimalValue(f), nil
	case "string":
		s, ok := value.(string)
		if !ok {
			return collab.EntityValue{}, fmt.Errorf("expected string, got %v", value)
		}
		return collab.StringValue(s), nil
	case "token":
		s, ok := value.(string)
		if !ok {
			return collab.EntityValue{}, fmt.Errorf("expected token, got %v", value)
		}
		return collab.TokenValue(s), nil
	default:
		return collab.EntityValue{}, fmt.Errorf("unknown entity type %q", kind)
	}
}
