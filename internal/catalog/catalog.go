// ABOUTME: Startup routine registering every domain tool pack into one registry
// ABOUTME: Shared helpers mapping store and AI errors onto client-safe tool errors

package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fcp-dev/fcp-server/internal/ai"
	"github.com/fcp-dev/fcp-server/internal/store"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

// Prefix is the namespace of every catalog tool.
const Prefix = "dev.fcp."

// DefaultProductURL is the Open Food Facts product endpoint; %s is the barcode.
const DefaultProductURL = "https://world.openfoodfacts.org/api/v2/product/%s.json"

// Config tunes the packs.
type Config struct {
	// ProductURL must contain one %s for the barcode.
	ProductURL string
	// ThinkingBudget is the reasoning token budget for detailed analysis.
	ThinkingBudget int32
}

func (c Config) withDefaults() Config {
	if c.ProductURL == "" {
		c.ProductURL = DefaultProductURL
	}
	if c.ThinkingBudget <= 0 {
		c.ThinkingBudget = 2048
	}
	return c
}

// Packs returns every domain pack.
func Packs(cfg Config) []tools.Pack {
	cfg = cfg.withDefaults()
	return []tools.Pack{
		NutritionPack(cfg),
		PantryPack(),
		RecipesPack(),
		ProfilePack(),
		ResearchPack(),
		ExternalPack(cfg),
	}
}

// Register adds every pack to reg. It stops at the first collision.
func Register(reg *tools.Registry, cfg Config) error {
	for _, p := range Packs(cfg) {
		if err := reg.RegisterPack(p); err != nil {
			return fmt.Errorf("registering pack %s: %w", p.ID, err)
		}
	}
	return nil
}

// storeErr converts store errors into client-safe errors.
func storeErr(err error, what, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return tools.NotFound("%s %s not found", what, id)
	}
	if errors.Is(err, store.ErrDuplicate) {
		return tools.InvalidInput("%s %s already exists", what, id)
	}
	return err
}

// aiErr marks an unconfigured AI service as a public condition.
func aiErr(err error) error {
	if errors.Is(err, ai.ErrUnavailable) {
		return tools.Unavailable("AI service unavailable", err)
	}
	return err
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, tools.InvalidInput("%s must be an RFC 3339 timestamp or YYYY-MM-DD date", field)
}

func cleanTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
