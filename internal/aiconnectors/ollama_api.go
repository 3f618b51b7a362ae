package aiconnectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaURL is used when no Ollama server is configured
const DefaultOllamaURL = "http://localhost:11434"

// OllamaModel represents a model from Ollama API
type OllamaModel struct {
	Name       string       `json:"name"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// ModelDetails contains model details from Ollama
type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
	Families          []string `json:"families"`
}

// OllamaModelsResponse represents the response from Ollama /api/tags endpoint
type OllamaModelsResponse struct {
	Models []OllamaModel `json:"models"`
}

// FetchOllamaModels lists the models pulled into the Ollama server at baseURL
func FetchOllamaModels(ctx context.Context, baseURL string) ([]OllamaModel, error) {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/api")
	apiURL := baseURL + "/api/tags"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ollama at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Ollama API returned status %d: %s", resp.StatusCode, resp.Status)
	}

	var ollamaResp OllamaModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("failed to parse Ollama response: %w", err)
	}

	return ollamaResp.Models, nil
}

// ValidateOllamaConnection checks that the local mode can run: the server
// answers and the model bound to ModeLocal has been pulled
func ValidateOllamaConnection(ctx context.Context, baseURL string) error {
	models, err := FetchOllamaModels(ctx, baseURL)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("no models found in Ollama instance at %s", baseURL)
	}

	want := modeRegistry[ModeLocal].Model
	for _, m := range models {
		if m.Name == want || strings.HasPrefix(m.Name, want+":") {
			return nil
		}
	}
	return fmt.Errorf("model %s is not available in Ollama at %s; run `ollama pull %s`", want, baseURL, want)
}
