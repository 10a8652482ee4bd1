// ABOUTME: Gemini-backed AI service using google.golang.org/genai
// ABOUTME: Grounded calls enable the GoogleSearch tool; thinking calls set a ThinkingConfig budget

package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const defaultModel = "gemini-2.5-flash"

// GeminiService implements Service on the Gemini API.
type GeminiService struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

var _ Service = (*GeminiService)(nil)

// Option configures a GeminiService.
type Option func(*GeminiService)

// WithModel sets the model ID.
func WithModel(model string) Option {
	return func(g *GeminiService) {
		if model != "" {
			g.model = model
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *GeminiService) { g.logger = logger }
}

// NewGemini creates a Gemini-backed service. An empty apiKey is an error;
// callers that want a disabled service should use Unavailable instead.
func NewGemini(ctx context.Context, apiKey string, opts ...Option) (*GeminiService, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	g := &GeminiService{
		client: client,
		model:  defaultModel,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	g.logger = g.logger.With("component", "ai", "model", g.model)
	return g, nil
}

func userContent(parts ...*genai.Part) []*genai.Content {
	return []*genai.Content{{Role: "user", Parts: parts}}
}

func (g *GeminiService) generate(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	if resp.UsageMetadata != nil {
		g.logger.Debug("gemini usage",
			"prompt_tokens", resp.UsageMetadata.PromptTokenCount,
			"output_tokens", resp.UsageMetadata.CandidatesTokenCount,
		)
	}
	return resp, nil
}

// GenerateText returns the model's text answer.
func (g *GeminiService) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := g.generate(ctx, userContent(&genai.Part{Text: prompt}), nil)
	if err != nil {
		return "", err
	}
	return responseText(resp), nil
}

// GenerateJSON requests application/json output and decodes it into out.
func (g *GeminiService) GenerateJSON(ctx context.Context, prompt string, out any) error {
	resp, err := g.generate(ctx, userContent(&genai.Part{Text: prompt}), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return err
	}
	return decodeJSONText(responseText(resp), out)
}

// AnalyzeImage analyzes a single image by URL. The MIME type is guessed from the extension.
func (g *GeminiService) AnalyzeImage(ctx context.Context, prompt, imageURL string) (string, error) {
	return g.AnalyzeMedia(ctx, prompt, []Media{{URL: imageURL, MIMEType: guessImageMIME(imageURL)}})
}

// AnalyzeMedia sends the prompt followed by each media part.
func (g *GeminiService) AnalyzeMedia(ctx context.Context, prompt string, media []Media) (string, error) {
	parts := []*genai.Part{{Text: prompt}}
	for _, m := range media {
		p, err := mediaPart(m)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}

	resp, err := g.generate(ctx, userContent(parts...), nil)
	if err != nil {
		return "", err
	}
	return responseText(resp), nil
}

// GenerateGrounded answers with Google Search grounding and returns the cited sources.
func (g *GeminiService) GenerateGrounded(ctx context.Context, prompt string) (*GroundedResponse, error) {
	resp, err := g.generate(ctx, userContent(&genai.Part{Text: prompt}), &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	})
	if err != nil {
		return nil, err
	}
	return &GroundedResponse{
		Text:    responseText(resp),
		Sources: groundingSources(resp),
	}, nil
}

// GenerateWithThinking enables extended reasoning. Thought parts are not returned.
func (g *GeminiService) GenerateWithThinking(ctx context.Context, prompt string, budget int32) (string, error) {
	resp, err := g.generate(ctx, userContent(&genai.Part{Text: prompt}), &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{ThinkingBudget: &budget},
	})
	if err != nil {
		return "", err
	}
	return responseText(resp), nil
}

func mediaPart(m Media) (*genai.Part, error) {
	switch {
	case len(m.Data) > 0:
		if m.MIMEType == "" {
			return nil, errors.New("media data requires a MIME type")
		}
		return &genai.Part{InlineData: &genai.Blob{MIMEType: m.MIMEType, Data: m.Data}}, nil
	case m.URL != "":
		return &genai.Part{FileData: &genai.FileData{FileURI: m.URL, MIMEType: m.MIMEType}}, nil
	default:
		return nil, errors.New("media requires a URL or data")
	}
}

func guessImageMIME(u string) string {
	lower := strings.ToLower(u)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

// responseText concatenates non-thought text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

func groundingSources(resp *genai.GenerateContentResponse) []Source {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	var sources []Source
	seen := make(map[string]bool)
	for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk == nil || chunk.Web == nil || seen[chunk.Web.URI] {
			continue
		}
		seen[chunk.Web.URI] = true
		sources = append(sources, Source{Title: chunk.Web.Title, URI: chunk.Web.URI})
	}
	return sources
}
