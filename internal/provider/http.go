package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

// HTTP implements Embedder and Synthesizer against OpenAI-compatible
// /embeddings and /chat/completions endpoints.
type HTTP struct {
	embedBase   string
	embedKey    string
	embedModel  string
	chatBase    string
	chatKey     string
	chatModel   string
	temperature float64
	maxTokens   int
	embedClient *http.Client
	chatClient  *http.Client
}

// NewHTTP builds the provider client from configuration.
func NewHTTP(cfg config.ProvidersConfig) *HTTP {
	embedTimeout := cfg.Embedding.Timeout
	if embedTimeout <= 0 {
		embedTimeout = 30 * time.Second
	}
	chatTimeout := cfg.Synthesis.Timeout
	if chatTimeout <= 0 {
		chatTimeout = 60 * time.Second
	}
	maxTokens := cfg.Synthesis.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &HTTP{
		embedBase:   strings.TrimRight(cfg.Embedding.BaseURL, "/"),
		embedKey:    cfg.Embedding.APIKey,
		embedModel:  cfg.Embedding.Model,
		chatBase:    strings.TrimRight(cfg.Synthesis.BaseURL, "/"),
		chatKey:     cfg.Synthesis.APIKey,
		chatModel:   cfg.Synthesis.Model,
		temperature: cfg.Synthesis.Temperature,
		maxTokens:   maxTokens,
		embedClient: &http.Client{Timeout: embedTimeout},
		chatClient:  &http.Client{Timeout: chatTimeout},
	}
}

// Embed generates an embedding for the given text.
func (h *HTTP) Embed(ctx context.Context, text string) ([]float32, error) {
	body := map[string]interface{}{
		"model": h.embedModel,
		"input": []string{text},
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := h.post(ctx, h.embedClient, h.embedBase+"/embeddings", h.embedKey, body, &resp); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}

const understandSystemPrompt = `You classify questions asked against an internal knowledge base.
Respond ONLY with valid JSON in the following format:
{
  "intent": "search|howto|troubleshoot|factual",
  "entities": ["named systems, services or teams"],
  "keywords": ["salient search terms"],
  "source_filters": ["slack|github|box, only if the question names a source"]
}
Do not include any other text or explanation.`

// UnderstandQuery classifies the query into intent, entities, keywords and
// optional source filters.
func (h *HTTP) UnderstandQuery(ctx context.Context, query string) (session.Understanding, error) {
	content, err := h.chat(ctx, []chatMessage{
		{Role: "system", Content: understandSystemPrompt},
		{Role: "user", Content: query},
	})
	if err != nil {
		return session.Understanding{}, fmt.Errorf("understand query: %w", err)
	}
	var u session.Understanding
	if err := json.Unmarshal([]byte(stripFences(content)), &u); err != nil {
		return session.Understanding{}, fmt.Errorf("understand query: parse: %w", err)
	}
	if u.Intent == "" {
		u.Intent = "search"
	}
	return u, nil
}

const synthesizeSystemPrompt = `You answer questions using ONLY the numbered context documents provided.
Cite sources inline as [1], [2], ... matching the document numbers.
Respond ONLY with valid JSON in the following format:
{
  "answer": "the answer in plain text with inline [n] citations",
  "related_queries": ["up to three follow-up questions"]
}
Do not include any other text or explanation.`

// Synthesize composes an answer from the candidates, with numbered citations
// built from the context documents in ranking order.
func (h *HTTP) Synthesize(ctx context.Context, query string, candidates []session.Candidate) (*session.Answer, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "QUESTION: %s\n\nCONTEXT DOCUMENTS:\n", query)
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Title)
		if snippet := payloadString(c.Payload, "content"); snippet != "" {
			if len(snippet) > 1500 {
				snippet = snippet[:1500] + "..."
			}
			fmt.Fprintf(&b, "%s\n", snippet)
		}
		b.WriteString("\n")
	}
	content, err := h.chat(ctx, []chatMessage{
		{Role: "system", Content: synthesizeSystemPrompt},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	var parsed struct {
		Answer         string   `json:"answer"`
		RelatedQueries []string `json:"related_queries"`
	}
	answer := &session.Answer{Citations: Citations(candidates)}
	if err := json.Unmarshal([]byte(stripFences(content)), &parsed); err != nil {
		// Some models ignore the JSON instruction; the raw text is still
		// a usable answer.
		answer.Text = content
		return answer, nil
	}
	answer.Text = parsed.Answer
	answer.RelatedQueries = parsed.RelatedQueries
	return answer, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *HTTP) chat(ctx context.Context, messages []chatMessage) (string, error) {
	body := map[string]interface{}{
		"model":       h.chatModel,
		"messages":    messages,
		"temperature": h.temperature,
		"max_tokens":  h.maxTokens,
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := h.post(ctx, h.chatClient, h.chatBase+"/chat/completions", h.chatKey, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (h *HTTP) post(ctx context.Context, client *http.Client, url, key string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// stripFences removes a markdown code fence wrapper some models emit around
// JSON responses.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
