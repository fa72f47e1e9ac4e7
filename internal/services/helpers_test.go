package services

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
		db.Close()
	})
	return sqlx.NewDb(db, "postgres"), mock
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}

var userColumns = []string{"id", "name", "email", "auth_provider", "skills_offered", "skills_wanted", "credits", "subscription_plan", "is_verified"}

// userRow builds a users row with the columns the services read most
func userRow(id, name string, credits int, plan interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(userColumns).
		AddRow(id, name, name+"@example.com", "email", "{design}", "{cooking}", credits, plan, true)
}

func ratingRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"rating", "review_count"}).AddRow(0.0, 0)
}

func expectEventSeen(mock sqlmock.Sqlmock, provider, eventID string, seen bool) {
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM webhook_events WHERE provider = \$1 AND event_id = \$2\)`).
		WithArgs(provider, eventID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(seen))
}

func expectEventRecorded(mock sqlmock.Sqlmock, provider, eventID, eventType string) {
	mock.ExpectExec("INSERT INTO webhook_events").WithArgs(provider, eventID, eventType).
		WillReturnResult(sqlmock.NewResult(0, 1))
}
