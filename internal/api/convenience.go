// ABOUTME: Resource-style REST routes that map onto catalog tools
// ABOUTME: Path values and query parameters become tool arguments

package api

import (
	"net/http"
	"strconv"

	"github.com/fcp-dev/fcp-server/internal/catalog"
)

// route binds an HTTP pattern to a tool.
type route struct {
	pattern string
	tool    string
	// body is how the request body becomes arguments.
	body bodyMode
	// path maps path wildcards to argument names.
	path map[string]string
	// query lists string query parameters copied into the arguments.
	query []string
	// ints lists integer query parameters.
	ints []string
	// field wraps the body when body is bodyField.
	field string
}

type bodyMode int

const (
	bodyNone  bodyMode = iota
	bodyArgs           // the body is the arguments object
	bodyField          // the body is wrapped under field
)

var convenienceRoutes = []route{
	{pattern: "GET /api/meals", tool: catalog.Prefix + "nutrition.get_recent_meals", ints: []string{"limit"}},
	{pattern: "POST /api/meals", tool: catalog.Prefix + "nutrition.add_meal", body: bodyArgs},
	{pattern: "DELETE /api/meals/{id}", tool: catalog.Prefix + "nutrition.delete_meal", path: map[string]string{"id": "meal_id"}},
	{pattern: "POST /api/meals/analyze", tool: catalog.Prefix + "nutrition.analyze_meal", body: bodyArgs},

	{pattern: "GET /api/pantry", tool: catalog.Prefix + "pantry.get_pantry"},
	{pattern: "POST /api/pantry", tool: catalog.Prefix + "pantry.add_item", body: bodyArgs},
	{pattern: "DELETE /api/pantry/{id}", tool: catalog.Prefix + "pantry.remove_item", path: map[string]string{"id": "item_id"}},

	{pattern: "GET /api/recipes", tool: catalog.Prefix + "recipes.list_recipes", query: []string{"tag"}},
	{pattern: "POST /api/recipes", tool: catalog.Prefix + "recipes.save_recipe", body: bodyArgs},
	{pattern: "GET /api/recipes/{id}", tool: catalog.Prefix + "recipes.get_recipe", path: map[string]string{"id": "recipe_id"}, query: []string{"format"}},

	{pattern: "GET /api/preferences", tool: catalog.Prefix + "profile.get_preferences"},
	{pattern: "PUT /api/preferences", tool: catalog.Prefix + "profile.update_preferences", body: bodyField, field: "preferences"},

	{pattern: "GET /api/products/{barcode}", tool: catalog.Prefix + "external.lookup_product", path: map[string]string{"barcode": "barcode"}},
}

func (a *API) registerConvenienceRoutes(mux *http.ServeMux) {
	for _, rt := range convenienceRoutes {
		mux.HandleFunc(rt.pattern, a.routeHandler(rt))
	}
}

func (a *API) routeHandler(rt route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args := map[string]any{}

		switch rt.body {
		case bodyArgs:
			if err := decodeBody(r, &args); err != nil {
				a.sendJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			if args == nil {
				args = map[string]any{}
			}
		case bodyField:
			var v map[string]any
			if err := decodeBody(r, &v); err != nil {
				a.sendJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			if v != nil {
				args[rt.field] = v
			}
		}

		query := r.URL.Query()
		for _, name := range rt.query {
			if raw := query.Get(name); raw != "" {
				args[name] = raw
			}
		}
		for _, name := range rt.ints {
			raw := query.Get(name)
			if raw == "" {
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil {
				a.sendJSONError(w, http.StatusBadRequest, name+" must be an integer")
				return
			}
			args[name] = n
		}
		for wildcard, arg := range rt.path {
			args[arg] = r.PathValue(wildcard)
		}

		a.dispatch(w, r, rt.tool, args)
	}
}
