// ABOUTME: AI service capability consumed by tool handlers
// ABOUTME: Text, JSON, media analysis, search-grounded and extended-reasoning generation

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned by every method when no AI backend is configured.
var ErrUnavailable = errors.New("ai service unavailable")

// Media is an image, video or audio reference passed alongside a prompt.
// Either URL or Data must be set.
type Media struct {
	URL      string
	MIMEType string
	Data     []byte
}

// Source is a web citation backing a grounded answer.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// GroundedResponse is a search-augmented answer with its citations.
type GroundedResponse struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}

// Service generates content. Implementations must be safe for concurrent use.
type Service interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	// GenerateJSON asks for a JSON response and decodes it into out.
	GenerateJSON(ctx context.Context, prompt string, out any) error
	AnalyzeImage(ctx context.Context, prompt, imageURL string) (string, error)
	AnalyzeMedia(ctx context.Context, prompt string, media []Media) (string, error)
	GenerateGrounded(ctx context.Context, prompt string) (*GroundedResponse, error)
	// GenerateWithThinking enables extended reasoning with the given token budget.
	GenerateWithThinking(ctx context.Context, prompt string, budget int32) (string, error)
}

// Unavailable is a Service that fails every call with ErrUnavailable.
type Unavailable struct{}

var _ Service = Unavailable{}

func (Unavailable) GenerateText(context.Context, string) (string, error) { return "", ErrUnavailable }
func (Unavailable) GenerateJSON(context.Context, string, any) error      { return ErrUnavailable }
func (Unavailable) AnalyzeImage(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}
func (Unavailable) AnalyzeMedia(context.Context, string, []Media) (string, error) {
	return "", ErrUnavailable
}
func (Unavailable) GenerateGrounded(context.Context, string) (*GroundedResponse, error) {
	return nil, ErrUnavailable
}
func (Unavailable) GenerateWithThinking(context.Context, string, int32) (string, error) {
	return "", ErrUnavailable
}

// decodeJSONText decodes model output that may be wrapped in a markdown code fence.
func decodeJSONText(text string, out any) error {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), out); err != nil {
		return fmt.Errorf("decoding model JSON: %w", err)
	}
	return nil
}
