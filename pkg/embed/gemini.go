package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const geminiEmbedModel = "models/text-embedding-004"

// GeminiEmbedder calls the Gemini batch embedding endpoint.
type GeminiEmbedder struct {
	apiKey    string
	dimension int
	client    *http.Client
}

func NewGeminiEmbedder(apiKey string, dimension int) *GeminiEmbedder {
	if dimension <= 0 {
		dimension = 768
	}
	return &GeminiEmbedder{
		apiKey:    apiKey,
		dimension: dimension,
		client:    &http.Client{},
	}
}

func (g *GeminiEmbedder) Dimension() int { return g.dimension }

type geminiEmbedRequest struct {
	Requests []geminiContentRequest `json:"requests"`
}

type geminiContentRequest struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiEmbedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

// EmbedTexts embeds a batch of texts in one request.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	url := "https://generativelanguage.googleapis.com/v1beta/" + geminiEmbedModel + ":batchEmbedContents?key=" + g.apiKey

	payload := geminiEmbedRequest{Requests: make([]geminiContentRequest, len(texts))}
	for i, text := range texts {
		payload.Requests[i] = geminiContentRequest{
			Model:   geminiEmbedModel,
			Content: geminiContent{Parts: []geminiPart{{Text: text}}},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini embedding API error: %s", string(respBody))
	}

	var result geminiEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, e := range result.Embeddings {
		vectors[i] = e.Values
	}
	return vectors, nil
}
