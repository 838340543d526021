package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

// Embedder turns text into a vector suitable for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Synthesizer is the language-model collaborator: it classifies an incoming
// query and composes the final answer from the top candidates.
type Synthesizer interface {
	UnderstandQuery(ctx context.Context, query string) (session.Understanding, error)
	Synthesize(ctx context.Context, query string, candidates []session.Candidate) (*session.Answer, error)
}

// DefaultUnderstanding is the safe substitute when query understanding fails:
// treat the query as a plain search and split it into keywords.
func DefaultUnderstanding(query string) session.Understanding {
	return session.Understanding{
		Intent:   "search",
		Keywords: strings.Fields(strings.ToLower(query)),
	}
}

// Fallback assembles a degraded answer from the top candidate when the
// synthesis call fails, so the pipeline still reaches a terminal state.
func Fallback(query string, candidates []session.Candidate) *session.Answer {
	if len(candidates) == 0 {
		return &session.Answer{
			Text:      fmt.Sprintf("I could not find relevant information for %q. Try rephrasing your question or narrowing it to a specific system or team.", query),
			Citations: []session.Citation{},
			Degraded:  true,
		}
	}
	top := candidates[0]
	var b strings.Builder
	fmt.Fprintf(&b, "I found content that may answer %q but could not generate a full summary.\n\n", query)
	fmt.Fprintf(&b, "Top match: %s", top.Title)
	if snippet := payloadString(top.Payload, "content"); snippet != "" {
		if len(snippet) > 500 {
			snippet = snippet[:500] + "..."
		}
		fmt.Fprintf(&b, "\n\n%s", snippet)
	}
	return &session.Answer{
		Text:      b.String(),
		Citations: []session.Citation{citationFor(1, top)},
		Degraded:  true,
	}
}

// Citations builds numbered citations for the candidates used as synthesis
// context, in ranking order.
func Citations(candidates []session.Candidate) []session.Citation {
	out := make([]session.Citation, 0, len(candidates))
	for i, c := range candidates {
		out = append(out, citationFor(i+1, c))
	}
	return out
}

func citationFor(index int, c session.Candidate) session.Citation {
	return session.Citation{
		Index: index,
		DocID: c.ID,
		Title: c.Title,
		URL:   payloadString(c.Payload, "url"),
	}
}

func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
