// ABOUTME: Recipes pack: saving, listing, rendering and AI generation of recipes
// ABOUTME: get_recipe can render markdown instructions to HTML with goldmark

package catalog

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/fcp-dev/fcp-server/internal/deps"
	"github.com/fcp-dev/fcp-server/internal/store"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

// RecipesPack creates the recipe tools.
func RecipesPack() tools.Pack {
	return tools.Pack{
		ID: "recipes",
		Tools: []*tools.Tool{
			{
				Name:          Prefix + "recipes.save_recipe",
				Description:   "Save a recipe. Passing recipe_id updates an existing recipe.",
				InputSchema:   []byte(`{"type":"object","properties":{"recipe_id":{"type":"string"},"name":{"type":"string"},"ingredients":{"type":"array","items":{"type":"string"}},"instructions":{"type":"string","description":"markdown"},"servings":{"type":"integer"},"tags":{"type":"array","items":{"type":"string"}}},"required":["name"]}`),
				Handler:       saveRecipe,
				RequiresWrite: true,
				InjectUserID:  true,
				Category:      "recipes",
				Needs:         deps.NeedDatabase,
			},
			{
				Name:         Prefix + "recipes.list_recipes",
				Description:  "List saved recipes",
				InputSchema:  []byte(`{"type":"object","properties":{"tag":{"type":"string"}}}`),
				Handler:      listRecipes,
				InjectUserID: true,
				Category:     "recipes",
				Needs:        deps.NeedDatabase,
			},
			{
				Name:         Prefix + "recipes.get_recipe",
				Description:  "Get one recipe, optionally with instructions rendered as HTML",
				InputSchema:  []byte(`{"type":"object","properties":{"recipe_id":{"type":"string"},"format":{"type":"string","enum":["markdown","html"]}},"required":["recipe_id"]}`),
				Handler:      getRecipe,
				InjectUserID: true,
				Category:     "recipes",
				Needs:        deps.NeedDatabase,
			},
			{
				Name:         Prefix + "recipes.generate_recipe",
				Description:  "Generate a recipe from ingredients, optionally using the pantry and saved preferences",
				InputSchema:  []byte(`{"type":"object","properties":{"ingredients":{"type":"array","items":{"type":"string"}},"cuisine":{"type":"string"},"use_pantry":{"type":"boolean"}}}`),
				Handler:      generateRecipe,
				InjectUserID: true,
				Category:     "recipes",
				Needs:        deps.NeedDatabase | deps.NeedAI,
			},
		},
	}
}

type saveRecipeInput struct {
	RecipeID     string   `json:"recipe_id"`
	Name         string   `json:"name"`
	Ingredients  []string `json:"ingredients"`
	Instructions string   `json:"instructions"`
	Servings     int      `json:"servings"`
	Tags         []string `json:"tags"`
}

func saveRecipe(ctx context.Context, in tools.Input) (any, error) {
	var args saveRecipeInput
	if err := in.Decode(&args); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(args.Name)
	if name == "" {
		return nil, tools.InvalidInput("name is required")
	}
	if args.Servings < 0 {
		return nil, tools.InvalidInput("servings must not be negative")
	}

	db := in.Deps.Database
	status := "saved"
	if args.RecipeID != "" {
		existing, err := db.GetRecipe(ctx, in.UserID, args.RecipeID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, tools.NotFound("recipe %s not found", args.RecipeID)
		}
		status = "updated"
	}

	recipe := &store.Recipe{
		ID:           args.RecipeID,
		UserID:       in.UserID,
		Name:         name,
		Ingredients:  args.Ingredients,
		Instructions: args.Instructions,
		Servings:     args.Servings,
		Tags:         cleanTags(args.Tags),
	}
	if err := db.SaveRecipe(ctx, recipe); err != nil {
		return nil, storeErr(err, "recipe", recipe.ID)
	}
	return map[string]any{"recipe_id": recipe.ID, "status": status}, nil
}

func listRecipes(ctx context.Context, in tools.Input) (any, error) {
	recipes, err := in.Deps.Database.ListRecipes(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	tag := strings.ToLower(strings.TrimSpace(in.String("tag")))
	out := make([]*store.Recipe, 0, len(recipes))
	for _, r := range recipes {
		if tag == "" || hasTag(r.Tags, tag) {
			out = append(out, r)
		}
	}
	return map[string]any{"recipes": out, "count": len(out)}, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RecipeView is a recipe with optionally rendered instructions.
type RecipeView struct {
	*store.Recipe
	InstructionsHTML string `json:"instructions_html,omitempty"`
}

func getRecipe(ctx context.Context, in tools.Input) (any, error) {
	id, err := in.RequireString("recipe_id")
	if err != nil {
		return nil, err
	}
	format := strings.ToLower(in.String("format"))
	if format != "" && format != "markdown" && format != "html" {
		return nil, tools.InvalidInput("format must be markdown or html")
	}

	recipe, err := in.Deps.Database.GetRecipe(ctx, in.UserID, id)
	if err != nil {
		return nil, err
	}
	if recipe == nil {
		return nil, tools.NotFound("recipe %s not found", id)
	}

	view := RecipeView{Recipe: recipe}
	if format == "html" {
		html, err := renderMarkdown(recipe.Instructions)
		if err != nil {
			return nil, fmt.Errorf("rendering recipe %s: %w", id, err)
		}
		view.InstructionsHTML = html
	}
	return view, nil
}

// renderMarkdown converts markdown to HTML. Raw HTML in the source is omitted.
func renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// GeneratedRecipe is the structure requested from the model.
type GeneratedRecipe struct {
	Name         string   `json:"name"`
	Ingredients  []string `json:"ingredients"`
	Instructions string   `json:"instructions"`
	Servings     int      `json:"servings"`
}

const recipeShape = `{"name":string,"ingredients":[string],"instructions":markdown string,"servings":int}`

type generateRecipeInput struct {
	Ingredients []string `json:"ingredients"`
	Cuisine     string   `json:"cuisine"`
	UsePantry   bool     `json:"use_pantry"`
}

func generateRecipe(ctx context.Context, in tools.Input) (any, error) {
	var args generateRecipeInput
	if err := in.Decode(&args); err != nil {
		return nil, err
	}
	db := in.Deps.Database

	ingredients := append([]string(nil), args.Ingredients...)
	if args.UsePantry {
		items, err := db.ListPantry(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			ingredients = append(ingredients, item.Name)
		}
	}
	if len(ingredients) == 0 {
		return nil, tools.InvalidInput("ingredients are required unless use_pantry finds some")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Create a recipe using: %s.\n", strings.Join(ingredients, ", "))
	if args.Cuisine != "" {
		fmt.Fprintf(&b, "Cuisine: %s.\n", args.Cuisine)
	}
	prefs, err := db.GetPreferences(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if prefs != nil && len(prefs.Data) > 0 {
		fmt.Fprintf(&b, "Respect these dietary preferences: %v.\n", prefs.Data)
	}
	fmt.Fprintf(&b, "Respond with JSON shaped like %s.", recipeShape)

	var out GeneratedRecipe
	if err := in.Deps.AI.GenerateJSON(ctx, b.String(), &out); err != nil {
		return nil, aiErr(err)
	}
	return out, nil
}
