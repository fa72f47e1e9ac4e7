package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/booali/atc-api/internal/models"
	"github.com/booali/atc-api/pkg/appstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApple struct {
	receipt *appstore.Receipt
	err     error
}

func (f *fakeApple) Verify(context.Context, string) (*appstore.Receipt, error) {
	return f.receipt, f.err
}

type fakePlay struct {
	purchase *PlayPurchase
}

func (f *fakePlay) VerifySubscription(context.Context, string, string) (*PlayPurchase, error) {
	if f.purchase == nil {
		return nil, errors.New("not found")
	}
	return f.purchase, nil
}

var receiptNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newReceiptService(t *testing.T, apple AppleReceiptVerifier, play PlayVerifier) (*ReceiptService, sqlmock.Sqlmock, *fakeLedger) {
	db, mock := newMockDB(t)
	ledger := newFakeLedger()
	svc := NewReceiptService(db, NewPlans(nil), ledger, apple, play, nopLogger())
	svc.now = func() time.Time { return receiptNow }
	return svc, mock, ledger
}

func TestVerifyNativeRejectsPlatform(t *testing.T) {
	svc, _, _ := newReceiptService(t, nil, nil)

	_, err := svc.VerifyNative(context.Background(), annID, NativeReceipt{Platform: "web"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestVerifyAppleGrantsEachTransactionOnce(t *testing.T) {
	expires := receiptNow.Add(20 * 24 * time.Hour)
	apple := &fakeApple{receipt: &appstore.Receipt{Transactions: []appstore.Transaction{
		{ProductID: "com.booali.Atc.basic", TransactionID: "1000", PurchaseDate: receiptNow.Add(-40 * 24 * time.Hour)},
		{ProductID: "com.booali.Atc.basic", TransactionID: "1001", PurchaseDate: receiptNow.Add(-10 * 24 * time.Hour), ExpiresDate: &expires},
		{ProductID: "com.other.app", TransactionID: "1002", PurchaseDate: receiptNow},
	}}}
	svc, mock, ledger := newReceiptService(t, apple, nil)

	expectSubscriptionUpdate(mock, true)
	result, err := svc.VerifyNative(context.Background(), annID, NativeReceipt{Platform: "ios", ReceiptData: "r"})
	require.NoError(t, err)
	assert.Equal(t, 200, result.CreditsGranted)
	assert.Equal(t, models.SubscriptionStatusActive, result.Status)
	assert.Equal(t, &expires, result.CurrentPeriodEnd)

	// the same receipt sent again grants nothing new
	expectSubscriptionUpdate(mock, true)
	result, err = svc.VerifyNative(context.Background(), annID, NativeReceipt{Platform: "ios", ReceiptData: "r"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.CreditsGranted)
	assert.Equal(t, 200, ledger.total(annID))
}

func TestVerifyAppleInvalidReceipt(t *testing.T) {
	svc, _, _ := newReceiptService(t, &fakeApple{err: errors.New("status 21003")}, nil)

	_, err := svc.VerifyNative(context.Background(), annID, NativeReceipt{Platform: "ios", ReceiptData: "r"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestVerifyPlayGrantsByOrderID(t *testing.T) {
	play := &fakePlay{purchase: &PlayPurchase{
		OrderID:      "GPA.1234",
		ExpiryMillis: receiptNow.Add(30 * 24 * time.Hour).UnixMilli(),
		PaymentState: 1,
	}}
	svc, mock, ledger := newReceiptService(t, nil, play)

	mock.ExpectExec("UPDATE users SET\\s+subscription_plan").
		WithArgs("premium", "active", "android", "com.booali.Atc.premium", "", "",
			sqlmock.AnyArg(), false, sqlmock.AnyArg(), annID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := svc.VerifyNative(context.Background(), annID, NativeReceipt{
		Platform: "android", ProductID: "com.booali.Atc.premium", PurchaseToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, 500, result.CreditsGranted)
	require.Len(t, ledger.grants, 1)
	assert.Equal(t, "store:play_store:GPA.1234", ledger.grants[0].key)
}

func TestVerifyPlayFreeTrialActivatesWithoutCredits(t *testing.T) {
	play := &fakePlay{purchase: &PlayPurchase{
		OrderID:      "GPA.77",
		ExpiryMillis: receiptNow.Add(7 * 24 * time.Hour).UnixMilli(),
		PaymentState: 2,
	}}
	svc, mock, ledger := newReceiptService(t, nil, play)
	mock.ExpectExec("UPDATE users SET\\s+subscription_plan").
		WithArgs("basic", "active", "android", "com.booali.Atc.basic", "", "",
			sqlmock.AnyArg(), false, sqlmock.AnyArg(), annID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := svc.VerifyNative(context.Background(), annID, NativeReceipt{
		Platform: "android", ProductID: "com.booali.Atc.basic", PurchaseToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, result.Status)
	assert.Zero(t, result.CreditsGranted)
	assert.Empty(t, ledger.grants)
}

func TestVerifyPlayExpiredGrantsNothing(t *testing.T) {
	play := &fakePlay{purchase: &PlayPurchase{
		OrderID:      "GPA.9",
		ExpiryMillis: receiptNow.Add(-time.Hour).UnixMilli(),
		PaymentState: 1,
	}}
	svc, mock, ledger := newReceiptService(t, nil, play)
	expectSubscriptionUpdate(mock, true)

	result, err := svc.VerifyNative(context.Background(), annID, NativeReceipt{
		Platform: "android", ProductID: "com.booali.Atc.basic", PurchaseToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusExpired, result.Status)
	assert.Empty(t, ledger.grants)
}

func TestVerifyPlayNotConfigured(t *testing.T) {
	svc, _, _ := newReceiptService(t, nil, nil)

	_, err := svc.VerifyNative(context.Background(), annID, NativeReceipt{
		Platform: "android", ProductID: "com.booali.Atc.basic", PurchaseToken: "tok",
	})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
