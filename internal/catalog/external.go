// ABOUTME: External pack looking up packaged food products by barcode
// ABOUTME: Uses the shared HTTP client against a configurable product endpoint

package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fcp-dev/fcp-server/internal/deps"
	"github.com/fcp-dev/fcp-server/internal/httpclient"
	"github.com/fcp-dev/fcp-server/internal/tools"
)

// ExternalPack creates tools backed by third-party HTTP APIs.
func ExternalPack(cfg Config) tools.Pack {
	e := &externalHandlers{productURL: cfg.withDefaults().ProductURL}
	return tools.Pack{
		ID: "external",
		Tools: []*tools.Tool{
			{
				Name:        Prefix + "external.lookup_product",
				Description: "Look up a packaged food product by barcode",
				InputSchema: []byte(`{"type":"object","properties":{"barcode":{"type":"string","pattern":"^[0-9]{6,14}$"}},"required":["barcode"]}`),
				Handler:     e.LookupProduct,
				Category:    "external",
				Needs:       deps.NeedHTTP,
			},
		},
	}
}

type externalHandlers struct {
	productURL string
}

func validBarcode(s string) bool {
	if len(s) < 6 || len(s) > 14 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type productResponse struct {
	Status  int            `json:"status"`
	Product map[string]any `json:"product"`
}

func (e *externalHandlers) LookupProduct(ctx context.Context, in tools.Input) (any, error) {
	barcode, err := in.RequireString("barcode")
	if err != nil {
		return nil, err
	}
	if !validBarcode(barcode) {
		return nil, tools.InvalidInput("barcode must be 6 to 14 digits")
	}

	resp, err := in.Deps.HTTP.Get(ctx, fmt.Sprintf(e.productURL, url.PathEscape(barcode)), httpclient.Options{
		Query:   map[string]string{"fields": "product_name,brands,nutriments,serving_size,image_url"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, tools.Unavailable("product lookup failed", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return map[string]any{"barcode": barcode, "found": false}, nil
	}
	if !resp.OK() {
		return nil, tools.Unavailable(fmt.Sprintf("product lookup returned status %d", resp.StatusCode), nil)
	}

	var body productResponse
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}
	if body.Product == nil {
		return map[string]any{"barcode": barcode, "found": false}, nil
	}
	return map[string]any{"barcode": barcode, "found": true, "product": body.Product}, nil
}
