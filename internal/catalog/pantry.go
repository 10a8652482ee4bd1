// ABOUTME: Pantry pack tracking ingredients on hand
// ABOUTME: Items carry optional quantity, unit and expiry

package catalog

import (
	"context"
	"strings"

	"github.com/fcp-dev/fcp-server/internal/deps"
	"github.com/fcp-dev/fcp-server/internal/store"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

// PantryPack creates the pantry tools.
func PantryPack() tools.Pack {
	return tools.Pack{
		ID: "pantry",
		Tools: []*tools.Tool{
			{
				Name:          Prefix + "pantry.add_item",
				Description:   "Add an ingredient to the pantry",
				InputSchema:   []byte(`{"type":"object","properties":{"name":{"type":"string"},"quantity":{"type":"number"},"unit":{"type":"string"},"expires_at":{"type":"string"}},"required":["name"]}`),
				Handler:       addPantryItem,
				RequiresWrite: true,
				InjectUserID:  true,
				Category:      "pantry",
				Needs:         deps.NeedDatabase,
			},
			{
				Name:         Prefix + "pantry.get_pantry",
				Description:  "List pantry items ordered by name",
				Handler:      getPantry,
				InjectUserID: true,
				Category:     "pantry",
				Needs:        deps.NeedDatabase,
			},
			{
				Name:          Prefix + "pantry.remove_item",
				Description:   "Remove an item from the pantry",
				InputSchema:   []byte(`{"type":"object","properties":{"item_id":{"type":"string"}},"required":["item_id"]}`),
				Handler:       removePantryItem,
				RequiresWrite: true,
				InjectUserID:  true,
				Category:      "pantry",
				Needs:         deps.NeedDatabase,
			},
		},
	}
}

type addItemInput struct {
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit"`
	ExpiresAt string  `json:"expires_at"`
}

func addPantryItem(ctx context.Context, in tools.Input) (any, error) {
	var args addItemInput
	if err := in.Decode(&args); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(args.Name)
	if name == "" {
		return nil, tools.InvalidInput("name is required")
	}
	if args.Quantity < 0 {
		return nil, tools.InvalidInput("quantity must not be negative")
	}

	item := &store.PantryItem{
		UserID:   in.UserID,
		Name:     name,
		Quantity: args.Quantity,
		Unit:     strings.TrimSpace(args.Unit),
	}
	if args.ExpiresAt != "" {
		t, err := parseTime("expires_at", args.ExpiresAt)
		if err != nil {
			return nil, err
		}
		item.ExpiresAt = &t
	}

	if err := in.Deps.Database.AddPantryItem(ctx, item); err != nil {
		return nil, storeErr(err, "pantry item", item.ID)
	}
	return map[string]any{"item_id": item.ID, "status": "added"}, nil
}

func getPantry(ctx context.Context, in tools.Input) (any, error) {
	items, err := in.Deps.Database.ListPantry(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*store.PantryItem{}
	}
	return map[string]any{"items": items, "count": len(items)}, nil
}

func removePantryItem(ctx context.Context, in tools.Input) (any, error) {
	id, err := in.RequireString("item_id")
	if err != nil {
		return nil, err
	}
	if err := in.Deps.Database.DeletePantryItem(ctx, in.UserID, id); err != nil {
		return nil, storeErr(err, "pantry item", id)
	}
	return map[string]any{"item_id": id, "status": "removed"}, nil
}
