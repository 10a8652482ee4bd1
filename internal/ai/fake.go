// ABOUTME: Scripted AI service for tests
// ABOUTME: Returns canned responses and records every prompt it receives

package ai

import (
	"context"
	"encoding/json"
	"sync"
)

// Fake is a Service that returns canned responses.
type Fake struct {
	mu sync.Mutex

	Text     string
	JSON     any // marshaled and decoded into GenerateJSON's out
	Grounded *GroundedResponse
	Err      error

	Prompts []string
	Media   [][]Media
}

var _ Service = (*Fake)(nil)

func (f *Fake) record(prompt string, media []Media) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prompts = append(f.Prompts, prompt)
	if media != nil {
		f.Media = append(f.Media, media)
	}
	return f.Err
}

// Calls returns how many prompts were received.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Prompts)
}

func (f *Fake) GenerateText(ctx context.Context, prompt string) (string, error) {
	if err := f.record(prompt, nil); err != nil {
		return "", err
	}
	return f.Text, nil
}

func (f *Fake) GenerateJSON(ctx context.Context, prompt string, out any) error {
	if err := f.record(prompt, nil); err != nil {
		return err
	}
	data, err := json.Marshal(f.JSON)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *Fake) AnalyzeImage(ctx context.Context, prompt, imageURL string) (string, error) {
	return f.AnalyzeMedia(ctx, prompt, []Media{{URL: imageURL}})
}

func (f *Fake) AnalyzeMedia(ctx context.Context, prompt string, media []Media) (string, error) {
	if err := f.record(prompt, media); err != nil {
		return "", err
	}
	return f.Text, nil
}

func (f *Fake) GenerateGrounded(ctx context.Context, prompt string) (*GroundedResponse, error) {
	if err := f.record(prompt, nil); err != nil {
		return nil, err
	}
	if f.Grounded != nil {
		return f.Grounded, nil
	}
	return &GroundedResponse{Text: f.Text}, nil
}

func (f *Fake) GenerateWithThinking(ctx context.Context, prompt string, budget int32) (string, error) {
	if err := f.record(prompt, nil); err != nil {
		return "", err
	}
	return f.Text, nil
}
