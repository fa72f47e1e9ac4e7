package revenuecat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const revenueCatAPIBaseURL = "https://api.revenuecat.com/v1"

// Client handles communication with the RevenueCat REST API
type Client struct {
	SecretKey  string
	ProjectID  string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new RevenueCat API client
func NewClient(secretKey, projectID string) *Client {
	return &Client{
		SecretKey: secretKey,
		ProjectID: projectID,
		BaseURL:   revenueCatAPIBaseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Configured reports whether API calls can be made
func (c *Client) Configured() bool {
	return c != nil && c.SecretKey != "" && c.ProjectID != ""
}

// GetOfferings returns the project's offerings as RevenueCat encodes them
func (c *Client) GetOfferings(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/projects/"+url.PathEscape(c.ProjectID)+"/offerings")
}

// GetSubscriber returns a subscriber's entitlements and purchases
func (c *Client) GetSubscriber(ctx context.Context, appUserID string) (json.RawMessage, error) {
	return c.get(ctx, "/subscribers/"+url.PathEscape(appUserID))
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("non-200 response: %d %s", resp.StatusCode, body)
	}

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return result, nil
}
