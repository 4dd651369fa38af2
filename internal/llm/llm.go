// Package llm is the gateway to the remote chat-completion service. It
// exposes plain chat, function-calling chat and embeddings behind one client
// with key or token-provider authentication.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/models"
)

// TokenProvider returns a bearer token for rbac-authenticated requests.
type TokenProvider func(ctx context.Context) (string, error)

// ChatResult is the outcome of a plain chat completion.
type ChatResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// FunctionDef describes a callable function offered to the model.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// FunctionCall is the model's request to invoke a function.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// FunctionResult is the outcome of a function-calling chat completion.
type FunctionResult struct {
	FinishReason     string
	Content          string
	FunctionCall     *FunctionCall
	PromptTokens     int
	CompletionTokens int
}

// Gateway is the uniform client. Safe for concurrent use.
type Gateway struct {
	endpoint       string
	apiKey         string
	authType       config.AuthType
	tokens         TokenProvider
	chatModel      string
	embeddingModel string
	temperature    float64
	maxTokens      int
	httpClient     *http.Client
}

// New builds a gateway from the LLM config. With AuthRBAC a token provider
// must be supplied.
func New(cfg config.LLMConfig, tokens TokenProvider) (*Gateway, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("llm endpoint not configured")
	}
	if cfg.AuthType == config.AuthRBAC && tokens == nil {
		return nil, fmt.Errorf("rbac auth requires a token provider")
	}
	if cfg.AuthType != config.AuthRBAC && cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key not configured")
	}
	return &Gateway{
		endpoint:       strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:         cfg.APIKey,
		authType:       cfg.AuthType,
		tokens:         tokens,
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (g *Gateway) authorize(ctx context.Context, req *http.Request) error {
	if g.authType == config.AuthRBAC {
		token, err := g.tokens(ctx)
		if err != nil {
			return fmt.Errorf("token provider: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("api-key", g.apiKey)
	return nil
}

type chatRequest struct {
	Model        string               `json:"model"`
	Messages     []models.ChatMessage `json:"messages"`
	Temperature  float64              `json:"temperature"`
	MaxTokens    int                  `json:"max_tokens,omitempty"`
	Functions    []FunctionDef        `json:"functions,omitempty"`
	FunctionCall string               `json:"function_call,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content      string        `json:"content"`
			FunctionCall *FunctionCall `json:"function_call"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (g *Gateway) complete(ctx context.Context, reqBody chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := g.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "llm.chat", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "llm.chat", "status %d", resp.StatusCode)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.New(apperr.KindUpstreamBadResponse, "llm.chat", err)
	}
	if len(out.Choices) == 0 {
		return nil, apperr.Newf(apperr.KindUpstreamBadResponse, "llm.chat", "no choices in response")
	}
	return &out, nil
}

// ChatOption adjusts a single chat completion request.
type ChatOption func(*chatRequest)

// WithModel overrides the configured chat model for one call.
func WithModel(model string) ChatOption {
	return func(r *chatRequest) {
		if model != "" {
			r.Model = model
		}
	}
}

// Chat runs a plain chat completion over the configured model, unless an
// option overrides it.
func (g *Gateway) Chat(ctx context.Context, messages []models.ChatMessage, opts ...ChatOption) (ChatResult, error) {
	req := chatRequest{
		Model:       g.chatModel,
		Messages:    messages,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}
	for _, opt := range opts {
		opt(&req)
	}
	out, err := g.complete(ctx, req)
	if err != nil {
		return ChatResult{}, err
	}
	return ChatResult{
		Content:          out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

// ChatWithFunctions runs a chat completion with the given functions offered
// under function_call="auto". The caller branches on FinishReason.
func (g *Gateway) ChatWithFunctions(ctx context.Context, messages []models.ChatMessage, functions []FunctionDef) (FunctionResult, error) {
	out, err := g.complete(ctx, chatRequest{
		Model:        g.chatModel,
		Messages:     messages,
		Temperature:  g.temperature,
		MaxTokens:    g.maxTokens,
		Functions:    functions,
		FunctionCall: "auto",
	})
	if err != nil {
		return FunctionResult{}, err
	}
	choice := out.Choices[0]
	return FunctionResult{
		FinishReason:     choice.FinishReason,
		Content:          choice.Message.Content,
		FunctionCall:     choice.Message.FunctionCall,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

// Embed returns one vector per input text, in input order.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(map[string]interface{}{
		"model": g.embeddingModel,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := g.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "llm.embed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "llm.embed", "status %d", resp.StatusCode)
	}
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.New(apperr.KindUpstreamBadResponse, "llm.embed", err)
	}
	if len(out.Data) != len(texts) {
		return nil, apperr.Newf(apperr.KindUpstreamBadResponse, "llm.embed", "expected %d embeddings, got %d", len(texts), len(out.Data))
	}
	// the service may return entries out of order; the index field is canonical
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}
