package appstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

const (
	productionURL = "https://buy.itunes.apple.com/verifyReceipt"
	sandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	// StatusSandboxReceipt means a sandbox receipt was sent to production
	StatusSandboxReceipt = 21007
)

// Client verifies App Store receipts
type Client struct {
	SharedSecret  string
	ProductionURL string
	SandboxURL    string
	HTTPClient    *http.Client
}

// NewClient creates a new App Store receipt client
func NewClient(sharedSecret string) *Client {
	return &Client{
		SharedSecret:  sharedSecret,
		ProductionURL: productionURL,
		SandboxURL:    sandboxURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Transaction is one purchase from a verified receipt
type Transaction struct {
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	PurchaseDate          time.Time
	ExpiresDate           *time.Time
}

// Receipt is the verified content of a receipt
type Receipt struct {
	Status       int
	Environment  string
	Transactions []Transaction
}

// Verify validates a base64 receipt, retrying against the sandbox when
// production reports a sandbox receipt
func (c *Client) Verify(ctx context.Context, receiptData string) (*Receipt, error) {
	receipt, err := c.verify(ctx, c.ProductionURL, receiptData)
	if err != nil {
		return nil, err
	}
	if receipt.Status == StatusSandboxReceipt {
		receipt, err = c.verify(ctx, c.SandboxURL, receiptData)
		if err != nil {
			return nil, err
		}
	}
	if receipt.Status != 0 {
		return receipt, fmt.Errorf("receipt rejected with status %d", receipt.Status)
	}
	return receipt, nil
}

func (c *Client) verify(ctx context.Context, endpoint, receiptData string) (*Receipt, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"receipt-data":             receiptData,
		"password":                 c.SharedSecret,
		"exclude-old-transactions": true,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-200 response: %d %s", resp.StatusCode, body)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decoding response: invalid json")
	}

	return parseReceipt(body), nil
}

func parseReceipt(body []byte) *Receipt {
	doc := gjson.ParseBytes(body)
	receipt := &Receipt{
		Status:      int(doc.Get("status").Int()),
		Environment: doc.Get("environment").String(),
	}

	seen := map[string]bool{}
	add := func(item gjson.Result) bool {
		txn := Transaction{
			ProductID:             item.Get("product_id").String(),
			TransactionID:         item.Get("transaction_id").String(),
			OriginalTransactionID: item.Get("original_transaction_id").String(),
			PurchaseDate:          msTime(item.Get("purchase_date_ms")),
		}
		if exp := item.Get("expires_date_ms"); exp.Exists() {
			t := msTime(exp)
			txn.ExpiresDate = &t
		}
		if txn.TransactionID != "" && !seen[txn.TransactionID] {
			seen[txn.TransactionID] = true
			receipt.Transactions = append(receipt.Transactions, txn)
		}
		return true
	}
	doc.Get("latest_receipt_info").ForEach(func(_, item gjson.Result) bool { return add(item) })
	doc.Get("receipt.in_app").ForEach(func(_, item gjson.Result) bool { return add(item) })
	return receipt
}

// Apple encodes millisecond timestamps as strings
func msTime(v gjson.Result) time.Time {
	return time.UnixMilli(v.Int()).UTC()
}
