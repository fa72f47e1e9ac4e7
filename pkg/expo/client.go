package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	expoPushURL = "https://exp.host/--/api/v2/push/send"

	// maxBatch is the largest number of messages Expo accepts per request
	maxBatch = 100
)

// Client handles communication with the Expo push API
type Client struct {
	AccessToken string
	PushURL     string
	HTTPClient  *http.Client
}

// NewClient creates a new Expo push client. accessToken may be empty when
// enhanced push security is disabled for the project.
func NewClient(accessToken string) *Client {
	return &Client{
		AccessToken: accessToken,
		PushURL:     expoPushURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Message is a single push notification
type Message struct {
	To        string                 `json:"to"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Sound     string                 `json:"sound,omitempty"`
	Priority  string                 `json:"priority,omitempty"`
	ChannelID string                 `json:"channelId,omitempty"`
}

// Ticket is Expo's per-message delivery receipt
type Ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

// OK reports whether Expo accepted the message
func (t Ticket) OK() bool {
	return t.Status == "ok"
}

// DeviceNotRegistered reports whether the token is no longer valid
func (t Ticket) DeviceNotRegistered() bool {
	return t.Details.Error == "DeviceNotRegistered"
}

type pushResponse struct {
	Data   []Ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// IsPushToken reports whether token looks like an Expo push token
func IsPushToken(token string) bool {
	return (strings.HasPrefix(token, "ExponentPushToken[") || strings.HasPrefix(token, "ExpoPushToken[")) &&
		strings.HasSuffix(token, "]")
}

// Send delivers messages in batches and returns one ticket per message
func (c *Client) Send(ctx context.Context, messages []Message) ([]Ticket, error) {
	tickets := make([]Ticket, 0, len(messages))
	for start := 0; start < len(messages); start += maxBatch {
		end := start + maxBatch
		if end > len(messages) {
			end = len(messages)
		}
		batch, err := c.send(ctx, messages[start:end])
		if err != nil {
			return tickets, err
		}
		tickets = append(tickets, batch...)
	}
	return tickets, nil
}

func (c *Client) send(ctx context.Context, messages []Message) ([]Ticket, error) {
	for i := range messages {
		if messages[i].Sound == "" {
			messages[i].Sound = "default"
		}
		if messages[i].Priority == "" {
			messages[i].Priority = "high"
		}
		if messages[i].ChannelID == "" {
			messages[i].ChannelID = "default"
		}
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encoding messages: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.PushURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("non-200 response: %d %s", resp.StatusCode, body)
	}

	var result pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("expo error %s: %s", result.Errors[0].Code, result.Errors[0].Message)
	}

	return result.Data, nil
}
