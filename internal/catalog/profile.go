// ABOUTME: Profile pack for free-form dietary preferences
// ABOUTME: Updates merge into existing preferences; null values delete keys

package catalog

import (
	"context"
	"maps"

	"github.com/fcp-dev/fcp-server/internal/deps"
	"github.com/fcp-dev/fcp-server/internal/store"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

// ProfilePack creates the preference tools.
func ProfilePack() tools.Pack {
	return tools.Pack{
		ID: "profile",
		Tools: []*tools.Tool{
			{
				Name:         Prefix + "profile.get_preferences",
				Description:  "Get the current user's dietary preferences",
				Handler:      getPreferences,
				InjectUserID: true,
				Category:     "profile",
				Needs:        deps.NeedDatabase,
			},
			{
				Name:          Prefix + "profile.update_preferences",
				Description:   "Merge keys into the user's preferences. A null value removes the key.",
				InputSchema:   []byte(`{"type":"object","properties":{"preferences":{"type":"object"}},"required":["preferences"]}`),
				Handler:       updatePreferences,
				RequiresWrite: true,
				InjectUserID:  true,
				Category:      "profile",
				Needs:         deps.NeedDatabase,
			},
		},
	}
}

func getPreferences(ctx context.Context, in tools.Input) (any, error) {
	prefs, err := in.Deps.Database.GetPreferences(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if prefs == nil || prefs.Data == nil {
		return map[string]any{"preferences": map[string]any{}}, nil
	}
	return map[string]any{"preferences": prefs.Data, "updated_at": prefs.UpdatedAt}, nil
}

func updatePreferences(ctx context.Context, in tools.Input) (any, error) {
	update, ok := in.Args["preferences"].(map[string]any)
	if !ok {
		return nil, tools.InvalidInput("preferences must be an object")
	}

	db := in.Deps.Database
	current, err := db.GetPreferences(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	if current != nil {
		maps.Copy(merged, current.Data)
	}
	for k, v := range update {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	if err := db.SetPreferences(ctx, &store.Preferences{UserID: in.UserID, Data: merged}); err != nil {
		return nil, err
	}
	return map[string]any{"preferences": merged, "status": "updated"}, nil
}
