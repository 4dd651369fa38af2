// Package safety gates text through a remote content-safety classifier.
package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/apperr"
)

// Direction distinguishes user input from model output.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Replacement messages returned in place of denied content.
const (
	InputDenialMessage  = "Unfortunately, I am not able to process your question. Please try to rephrase it and avoid using any offensive language."
	OutputDenialMessage = "Unfortunately, I have detected sensitive content in my answer. I am not able to show it to you. Please try again with a different question."
)

// Result is the gate's verdict. When Allowed is false, Replacement carries
// the direction-specific refusal.
type Result struct {
	Allowed     bool
	Replacement string
}

// Gate fronts the content-safety service. A nil *Gate allows everything,
// which backs the enable_content_safety=false configuration.
type Gate struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// New builds a gate from the safety config.
func New(cfg config.SafetyConfig) (*Gate, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("safety endpoint not configured")
	}
	return &Gate{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

var monitoredCategories = []string{"Hate", "SelfHarm", "Sexual", "Violence"}

// Check classifies the text. Any monitored category above severity zero
// denies; the replacement depends on the direction.
func (g *Gate) Check(ctx context.Context, text string, direction Direction) (Result, error) {
	if g == nil || text == "" {
		return Result{Allowed: true}, nil
	}
	body, err := json.Marshal(map[string]interface{}{
		"text":       text,
		"categories": monitoredCategories,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal: %w", err)
	}
	url := g.endpoint + "/contentsafety/text:analyze?api-version=2023-10-01"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return Result{}, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Result{}, apperr.New(apperr.KindUpstreamUnavailable, "safety.check", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, apperr.Newf(apperr.KindUpstreamUnavailable, "safety.check", "status %d", resp.StatusCode)
	}
	var out struct {
		CategoriesAnalysis []struct {
			Category string `json:"category"`
			Severity int    `json:"severity"`
		} `json:"categoriesAnalysis"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, apperr.New(apperr.KindUpstreamBadResponse, "safety.check", err)
	}
	for _, c := range out.CategoriesAnalysis {
		if c.Severity > 0 {
			return Result{Allowed: false, Replacement: denialFor(direction)}, nil
		}
	}
	return Result{Allowed: true}, nil
}

func denialFor(d Direction) string {
	if d == DirectionOutput {
		return OutputDenialMessage
	}
	return InputDenialMessage
}
