package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/bidloop/realtime/internal/model"
)

// ListingPath returns the REST path of a listing.
func ListingPath(listingID string) string {
	return "/api/listings/" + url.PathEscape(listingID)
}

// GetListing fetches one listing. The endpoint is used by fallback polling
// while the bidding socket is down.
func (c *Client) GetListing(ctx context.Context, listingID string) (*model.Listing, error) {
	var raw json.RawMessage
	if err := c.get(ctx, ListingPath(listingID), nil, &raw); err != nil {
		return nil, fmt.Errorf("get listing %s: %w", listingID, err)
	}

	// Some deployments wrap the object as {"listing": {...}}.
	var wrapped struct {
		Listing *model.Listing `json:"listing"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Listing != nil {
		return wrapped.Listing, nil
	}

	var listing model.Listing
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("get listing %s: unmarshal: %w", listingID, err)
	}
	return &listing, nil
}
