// ABOUTME: Nutrition pack: meal logging, history and AI meal analysis
// ABOUTME: Writes are gated; reads and analysis are open to demo users

package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/fcp-dev/fcp-server/internal/deps"
	"github.com/fcp-dev/fcp-server/internal/store"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

var mealTypes = map[string]bool{"breakfast": true, "lunch": true, "dinner": true, "snack": true}

// maxRecentMeals matches the limit maximum in the get_recent_meals schema.
const maxRecentMeals = 500

// NutritionPack creates the meal logging tools.
func NutritionPack(cfg Config) tools.Pack {
	n := &nutritionHandlers{thinkingBudget: cfg.ThinkingBudget}
	return tools.Pack{
		ID: "nutrition",
		Tools: []*tools.Tool{
			{
				Name:          Prefix + "nutrition.add_meal",
				Description:   "Log a meal for the current user",
				InputSchema:   []byte(`{"type":"object","properties":{"description":{"type":"string"},"meal_type":{"type":"string","enum":["breakfast","lunch","dinner","snack"]},"calories":{"type":"integer"},"tags":{"type":"array","items":{"type":"string"}},"logged_at":{"type":"string","description":"RFC 3339 timestamp, defaults to now"}},"required":["description"]}`),
				Handler:       n.AddMeal,
				RequiresWrite: true,
				InjectUserID:  true,
				Category:      "nutrition",
				Needs:         deps.NeedDatabase,
			},
			{
				Name:         Prefix + "nutrition.get_recent_meals",
				Description:  "List the current user's most recent meals, newest first",
				InputSchema:  []byte(`{"type":"object","properties":{"limit":{"type":"integer","minimum":1,"maximum":500}}}`),
				Handler:      n.GetRecentMeals,
				InjectUserID: true,
				Category:     "nutrition",
				Needs:        deps.NeedDatabase,
			},
			{
				Name:          Prefix + "nutrition.delete_meal",
				Description:   "Delete a logged meal",
				InputSchema:   []byte(`{"type":"object","properties":{"meal_id":{"type":"string"}},"required":["meal_id"]}`),
				Handler:       n.DeleteMeal,
				RequiresWrite: true,
				InjectUserID:  true,
				Category:      "nutrition",
				Needs:         deps.NeedDatabase,
			},
			{
				Name:        Prefix + "nutrition.analyze_meal",
				Description: "Estimate dishes and nutrition for a meal from a description or photo URL",
				InputSchema: []byte(`{"type":"object","properties":{"description":{"type":"string"},"image_url":{"type":"string"},"detailed":{"type":"boolean"}}}`),
				Handler:     n.AnalyzeMeal,
				Category:    "nutrition",
				Needs:       deps.NeedAI,
			},
		},
	}
}

type nutritionHandlers struct {
	thinkingBudget int32
}

type addMealInput struct {
	UserID      string   `json:"user_id"`
	Description string   `json:"description"`
	MealType    string   `json:"meal_type"`
	Calories    int      `json:"calories"`
	Tags        []string `json:"tags"`
	LoggedAt    string   `json:"logged_at"`
}

func (n *nutritionHandlers) AddMeal(ctx context.Context, in tools.Input) (any, error) {
	var args addMealInput
	if err := in.Decode(&args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Description) == "" {
		return nil, tools.InvalidInput("description is required")
	}
	mealType := strings.ToLower(strings.TrimSpace(args.MealType))
	if mealType != "" && !mealTypes[mealType] {
		return nil, tools.InvalidInput("meal_type must be breakfast, lunch, dinner or snack")
	}
	if args.Calories < 0 {
		return nil, tools.InvalidInput("calories must not be negative")
	}

	meal := &store.Meal{
		UserID:      in.UserID,
		Description: strings.TrimSpace(args.Description),
		MealType:    mealType,
		Calories:    args.Calories,
		Tags:        cleanTags(args.Tags),
	}
	if args.LoggedAt != "" {
		t, err := parseTime("logged_at", args.LoggedAt)
		if err != nil {
			return nil, err
		}
		meal.LoggedAt = t
	}

	if err := in.Deps.Database.AddMeal(ctx, meal); err != nil {
		return nil, storeErr(err, "meal", meal.ID)
	}
	return map[string]any{"meal_id": meal.ID, "status": "logged", "logged_at": meal.LoggedAt}, nil
}

func (n *nutritionHandlers) GetRecentMeals(ctx context.Context, in tools.Input) (any, error) {
	limit := in.Int("limit", 20)
	if limit < 1 {
		return nil, tools.InvalidInput("limit must be at least 1")
	}
	if limit > maxRecentMeals {
		return nil, tools.InvalidInput("limit must be at most %d", maxRecentMeals)
	}
	meals, err := in.Deps.Database.ListMeals(ctx, in.UserID, limit)
	if err != nil {
		return nil, err
	}
	if meals == nil {
		meals = []*store.Meal{}
	}
	return map[string]any{"meals": meals, "count": len(meals)}, nil
}

func (n *nutritionHandlers) DeleteMeal(ctx context.Context, in tools.Input) (any, error) {
	id, err := in.RequireString("meal_id")
	if err != nil {
		return nil, err
	}
	if err := in.Deps.Database.DeleteMeal(ctx, in.UserID, id); err != nil {
		return nil, storeErr(err, "meal", id)
	}
	return map[string]any{"meal_id": id, "status": "deleted"}, nil
}

// MealAnalysis is the structured estimate returned by analyze_meal.
type MealAnalysis struct {
	Dishes   []string `json:"dishes"`
	Calories int      `json:"calories"`
	ProteinG float64  `json:"protein_g"`
	CarbsG   float64  `json:"carbs_g"`
	FatG     float64  `json:"fat_g"`
	Notes    string   `json:"notes,omitempty"`
}

const analysisShape = `{"dishes":[string],"calories":int,"protein_g":number,"carbs_g":number,"fat_g":number,"notes":string}`

func (n *nutritionHandlers) AnalyzeMeal(ctx context.Context, in tools.Input) (any, error) {
	desc := strings.TrimSpace(in.String("description"))
	imageURL := strings.TrimSpace(in.String("image_url"))
	if desc == "" && imageURL == "" {
		return nil, tools.InvalidInput("description or image_url is required")
	}
	svc := in.Deps.AI

	if imageURL != "" {
		prompt := "Identify the dishes in this meal photo and estimate its nutrition."
		if desc != "" {
			prompt += " The user describes it as: " + desc
		}
		text, err := svc.AnalyzeImage(ctx, prompt, imageURL)
		if err != nil {
			return nil, aiErr(err)
		}
		return map[string]any{"analysis": text, "source": "image"}, nil
	}

	if in.Bool("detailed") {
		text, err := svc.GenerateWithThinking(ctx, "Give a detailed nutritional breakdown of this meal: "+desc, n.thinkingBudget)
		if err != nil {
			return nil, aiErr(err)
		}
		return map[string]any{"analysis": text, "source": "description"}, nil
	}

	var out MealAnalysis
	prompt := fmt.Sprintf("Estimate the nutrition of this meal. Respond with JSON shaped like %s.\nMeal: %s", analysisShape, desc)
	if err := svc.GenerateJSON(ctx, prompt, &out); err != nil {
		return nil, aiErr(err)
	}
	return out, nil
}
