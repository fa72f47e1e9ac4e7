package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/booali/atc-api/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var barterColumns = []string{"id", "requester_id", "accepter_id", "friend_request_id", "offered_skill", "wanted_skill", "status",
	"requester_rating", "requester_comment", "accepter_rating", "accepter_comment", "completed_at", "created_at", "updated_at"}

// barterRow is a barter Ann proposed to Bo
func barterRow(status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(barterColumns).
		AddRow(barterID, annID, boID, requestID, "design", "cooking", status, nil, nil, nil, nil, nil, now, now)
}

func newBarterService(t *testing.T) (*BarterService, sqlmock.Sqlmock, *fakeNotifier) {
	db, mock := newMockDB(t)
	notifier := &fakeNotifier{}
	return NewBarterService(db, NewLedgerService(db, nopLogger()), notifier, nopLogger()), mock, notifier
}

func TestProposeChargesProposerAndNotifies(t *testing.T) {
	svc, mock, notifier := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM friend_requests WHERE id = \\$1").WithArgs(requestID).
		WillReturnRows(friendRequestRow(models.FriendRequestAccepted))
	mock.ExpectQuery("FROM barters WHERE friend_request_id").WithArgs(requestID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT credits FROM users").WithArgs(annID).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(30))
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO barters").
		WithArgs(sqlmock.AnyArg(), annID, boID, requestID, "design", "cooking", models.BarterProposed).
		WillReturnRows(barterRow(models.BarterProposed))
	mock.ExpectExec("UPDATE friend_requests SET barter_proposed = TRUE").WithArgs(requestID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_ledger").
		WithArgs(annID, -ActionCost, ReasonBarterPropose, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE users SET credits = credits - \\$1").WithArgs(ActionCost, annID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").WithArgs(annID).
		WillReturnRows(userRow(annID, "Ann", 20, "basic"))

	barter, err := svc.Propose(context.Background(), annID, ProposeInput{
		FriendRequestID: requestID,
		OfferedSkill:    " design ",
		WantedSkill:     "cooking",
	})
	require.NoError(t, err)
	assert.Equal(t, models.BarterProposed, barter.Status)
	assert.Equal(t, []string{"proposal:" + boID + ":Ann"}, notifier.events)
}

func TestProposeNeedsAcceptedRequest(t *testing.T) {
	svc, mock, _ := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM friend_requests WHERE id = \\$1").
		WillReturnRows(friendRequestRow(models.FriendRequestPending))

	_, err := svc.Propose(context.Background(), annID, ProposeInput{
		FriendRequestID: requestID, OfferedSkill: "design", WantedSkill: "cooking",
	})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, Message(err, ""), "No accepted friend request found")
}

func TestProposeByUserIDLooksUpPair(t *testing.T) {
	svc, mock, _ := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM friend_requests").
		WithArgs(annID, boID, models.FriendRequestAccepted).
		WillReturnRows(friendRequestRow(models.FriendRequestAccepted))
	mock.ExpectQuery("FROM barters WHERE friend_request_id").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := svc.Propose(context.Background(), annID, ProposeInput{
		UserID: boID, OfferedSkill: "design", WantedSkill: "cooking",
	})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "Barter already proposed for this friend request", Message(err, ""))
}

func TestProposeInsufficientCredits(t *testing.T) {
	svc, mock, _ := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM friend_requests WHERE id = \\$1").
		WillReturnRows(friendRequestRow(models.FriendRequestAccepted))
	mock.ExpectQuery("FROM barters WHERE friend_request_id").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT credits FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(9))

	_, err := svc.Propose(context.Background(), annID, ProposeInput{
		FriendRequestID: requestID, OfferedSkill: "design", WantedSkill: "cooking",
	})
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestAcceptBarterHiddenFromRequester(t *testing.T) {
	svc, mock, _ := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM barters WHERE id = \\$1").WithArgs(barterID).
		WillReturnRows(barterRow(models.BarterProposed))

	err := svc.Accept(context.Background(), annID, barterID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptBarterChargesAccepter(t *testing.T) {
	svc, mock, notifier := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM barters WHERE id = \\$1").
		WillReturnRows(barterRow(models.BarterProposed))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE barters SET status").
		WithArgs(models.BarterAccepted, barterID, models.BarterProposed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_ledger").
		WithArgs(boID, -ActionCost, ReasonBarterAccept, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE users SET credits = credits - \\$1").WithArgs(ActionCost, boID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").WithArgs(boID).
		WillReturnRows(userRow(boID, "Bo", 10, "basic"))

	require.NoError(t, svc.Accept(context.Background(), boID, barterID))
	assert.Equal(t, []string{"barter_accepted:" + annID + ":Bo"}, notifier.events)
}

func TestAcceptBarterAlreadyProcessed(t *testing.T) {
	svc, mock, _ := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM barters WHERE id = \\$1").
		WillReturnRows(barterRow(models.BarterAccepted))

	err := svc.Accept(context.Background(), boID, barterID)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "Barter already processed", Message(err, ""))
}

func TestCompleteRejectsBadRating(t *testing.T) {
	svc, _, _ := newBarterService(t)

	rating := 6
	err := svc.Complete(context.Background(), annID, barterID, &rating, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCompleteNeedsActiveBarter(t *testing.T) {
	svc, mock, _ := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM barters WHERE id = \\$1").
		WillReturnRows(barterRow(models.BarterProposed))

	err := svc.Complete(context.Background(), annID, barterID, nil, "")
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "Barter not active", Message(err, ""))
}

func TestCompleteStoresRequesterReview(t *testing.T) {
	svc, mock, _ := newBarterService(t)
	rating := 5

	mock.ExpectQuery("SELECT \\* FROM barters WHERE id = \\$1").
		WillReturnRows(barterRow(models.BarterAccepted))
	mock.ExpectExec("UPDATE barters SET requester_rating = \\$1, requester_comment = \\$2").
		WithArgs(rating, sqlmock.AnyArg(), models.BarterCompleted, barterID, models.BarterAccepted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Complete(context.Background(), annID, barterID, &rating, "Great lesson"))
}

func TestCompleteByOutsider(t *testing.T) {
	svc, mock, _ := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM barters WHERE id = \\$1").
		WillReturnRows(barterRow(models.BarterAccepted))

	err := svc.Complete(context.Background(), "55555555-5555-4555-8555-555555555555", barterID, nil, "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCancelCompletedBarter(t *testing.T) {
	svc, mock, _ := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM barters WHERE id = \\$1").
		WillReturnRows(barterRow(models.BarterCompleted))

	err := svc.Cancel(context.Background(), boID, barterID)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCancelByEitherParty(t *testing.T) {
	svc, mock, _ := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM barters WHERE id = \\$1").
		WillReturnRows(barterRow(models.BarterAccepted))
	mock.ExpectExec("UPDATE barters SET status").
		WithArgs(models.BarterCancelled, barterID, models.BarterProposed, models.BarterAccepted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, svc.Cancel(context.Background(), boID, barterID))
}

func TestTradesOngoingFilter(t *testing.T) {
	svc, mock, _ := newBarterService(t)

	mock.ExpectQuery("SELECT \\* FROM barters WHERE \\(requester_id = \\$1 OR accepter_id = \\$1\\) AND status = \\$2").
		WithArgs(boID, models.BarterAccepted).
		WillReturnRows(barterRow(models.BarterAccepted))
	mock.ExpectQuery("SELECT \\* FROM users WHERE id = \\$1").WithArgs(annID).
		WillReturnRows(userRow(annID, "Ann", 10, "basic"))
	mock.ExpectQuery("SELECT COALESCE\\(AVG\\(r\\), 0\\)").WithArgs(annID).
		WillReturnRows(sqlmock.NewRows([]string{"rating", "review_count"}).AddRow(4.5, 2))

	views, err := svc.Trades(context.Background(), boID, TradesOngoing)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].OtherUser)
	assert.Equal(t, 4.5, views[0].OtherUser.Rating)
	assert.Equal(t, 2, views[0].OtherUser.ReviewCount)
}

func TestHasActiveBarter(t *testing.T) {
	svc, mock, _ := newBarterService(t)

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM barters WHERE status = \\$3").
		WithArgs(annID, boID, models.BarterAccepted).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := svc.HasActiveBarter(context.Background(), annID, boID)
	require.NoError(t, err)
	assert.True(t, ok)
}
