// ABOUTME: Research pack answering food questions with search-grounded generation
// ABOUTME: Returns the answer text together with its web citations

package catalog

import (
	"context"

	"github.com/fcp-dev/fcp-server/internal/deps"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

// ResearchPack creates the research tools.
func ResearchPack() tools.Pack {
	return tools.Pack{
		ID: "research",
		Tools: []*tools.Tool{
			{
				Name:        Prefix + "research.grounded_search",
				Description: "Answer a food or nutrition question using live web search",
				InputSchema: []byte(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
				Handler:     groundedSearch,
				Category:    "research",
				Needs:       deps.NeedAI,
			},
		},
	}
}

func groundedSearch(ctx context.Context, in tools.Input) (any, error) {
	query, err := in.RequireString("query")
	if err != nil {
		return nil, err
	}
	resp, err := in.Deps.AI.GenerateGrounded(ctx, query)
	if err != nil {
		return nil, aiErr(err)
	}
	return resp, nil
}
