package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/rickgao/airsense-sync/internal/fault"
	"github.com/rickgao/airsense-sync/internal/poller"
)

// LatestReadingsPath is the REST path for the latest readings of a location.
const LatestReadingsPath = "/sensors/latest"

// GetLatestReadings returns the latest readings for location as raw JSON.
func (c *Client) GetLatestReadings(ctx context.Context, location string) (json.RawMessage, error) {
	if location == "" {
		return nil, fault.New(fault.KindAPIClient, errors.New("location is required"))
	}

	query := url.Values{}
	query.Set("location", location)

	body, err := c.get(ctx, LatestReadingsPath, query)
	if err != nil {
		return nil, err
	}

	if !json.Valid(body) {
		return nil, fault.New(fault.KindMessageParse, fmt.Errorf("latest readings for %s: invalid json", location))
	}
	return json.RawMessage(body), nil
}

// FetchFunc adapts the client for the poller.
func (c *Client) FetchFunc() poller.FetchFunc {
	return c.GetLatestReadings
}
