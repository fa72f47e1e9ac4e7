package appstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const verifiedReceipt = `{
	"status": 0,
	"environment": "Sandbox",
	"latest_receipt_info": [
		{"product_id": "com.booali.Atc.basic", "transaction_id": "1000", "original_transaction_id": "1000",
		 "purchase_date_ms": "1700000000000", "expires_date_ms": "1702592000000"}
	],
	"receipt": {"in_app": [
		{"product_id": "com.booali.Atc.basic", "transaction_id": "1000", "purchase_date_ms": "1700000000000"},
		{"product_id": "com.booali.Atc.premium", "transaction_id": "1001", "purchase_date_ms": "1700000500000"}
	]}
}`

func TestVerifyRetriesSandbox(t *testing.T) {
	var prodCalls, sandboxCalls int
	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prodCalls++
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "secret", body["password"])
		w.Write([]byte(`{"status": 21007}`))
	}))
	defer prod.Close()
	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sandboxCalls++
		w.Write([]byte(verifiedReceipt))
	}))
	defer sandbox.Close()

	c := NewClient("secret")
	c.ProductionURL = prod.URL
	c.SandboxURL = sandbox.URL

	receipt, err := c.Verify(context.Background(), "base64-receipt")
	require.NoError(t, err)
	assert.Equal(t, 1, prodCalls)
	assert.Equal(t, 1, sandboxCalls)
	assert.Equal(t, "Sandbox", receipt.Environment)

	require.Len(t, receipt.Transactions, 2)
	assert.Equal(t, "1000", receipt.Transactions[0].TransactionID)
	require.NotNil(t, receipt.Transactions[0].ExpiresDate)
	assert.Equal(t, int64(1702592000), receipt.Transactions[0].ExpiresDate.Unix())
	assert.Equal(t, "com.booali.Atc.premium", receipt.Transactions[1].ProductID)
}

func TestVerifyRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": 21003}`))
	}))
	defer srv.Close()

	c := NewClient("secret")
	c.ProductionURL = srv.URL

	receipt, err := c.Verify(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, 21003, receipt.Status)
}
