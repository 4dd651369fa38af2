package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/apperr"
)

const visionAPIVersion = "2024-02-01"

// VisionClient calls the image retrieval service to vectorise images for the
// advanced image path.
type VisionClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewVisionClient(cfg config.VisionConfig) (*VisionClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("vision endpoint is required")
	}
	return &VisionClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Vectorize returns the embedding of the image behind imageURL. The URL must
// be fetchable by the remote service, so it carries a live access token.
func (v *VisionClient) Vectorize(ctx context.Context, imageURL string) ([]float32, error) {
	return v.retrieve(ctx, "vision.vectorize", "retrieval:vectorizeImage", map[string]string{"url": imageURL})
}

// VectorizeText embeds a text query into the same vector space as the image
// embeddings, so questions can be matched against indexed images.
func (v *VisionClient) VectorizeText(ctx context.Context, text string) ([]float32, error) {
	return v.retrieve(ctx, "vision.vectorize_text", "retrieval:vectorizeText", map[string]string{"text": text})
}

func (v *VisionClient) retrieve(ctx context.Context, op, operation string, payload map[string]string) ([]float32, error) {
	body, _ := json.Marshal(payload)
	u := fmt.Sprintf("%s/computervision/%s?api-version=%s&model-version=2023-04-15", v.endpoint, operation, visionAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.New(apperr.KindUnknown, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamBadResponse, op, "status %d: %s", resp.StatusCode, string(data))
	}
	var out struct {
		Vector []float32 `json:"vector"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperr.New(apperr.KindUpstreamBadResponse, op, err)
	}
	if len(out.Vector) == 0 {
		return nil, apperr.Newf(apperr.KindUpstreamBadResponse, op, "empty vector in response")
	}
	return out.Vector, nil
}
