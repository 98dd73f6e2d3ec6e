package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexhq/aex/pkg/store"
)

func TestStore_CreateSubscription(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db, store.DialectSQLite)
	sub := Subscription{ID: "sub-1", TenantID: "t1", URL: "https://example.com/hook", Events: []string{"budget.committed", "budget.released"}, CreatedAt: time.Now().UTC()}

	mock.ExpectExec(`INSERT INTO webhook_subscriptions`).
		WithArgs(sub.ID, sub.TenantID, sub.URL, "budget.committed,budget.released", sub.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.CreateSubscription(context.Background(), sub))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListSubscriptionsDecodesEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db, store.DialectSQLite)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, tenant_id, url, events, created_at FROM webhook_subscriptions WHERE tenant_id = \?`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "url", "events", "created_at"}).
			AddRow("sub-1", "t1", "https://example.com/hook", "budget.committed,budget.released", now))

	subs, err := s.ListSubscriptions(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, []string{"budget.committed", "budget.released"}, subs[0].Events)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_NotifyQueuesDeliveryForMatchingSubscription(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db, store.DialectSQLite)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, tenant_id, url, events, created_at FROM webhook_subscriptions WHERE tenant_id = \?`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "url", "events", "created_at"}).
			AddRow("sub-1", "t1", "https://example.com/hook", "budget.committed", now))
	mock.ExpectExec(`INSERT INTO webhook_deliveries`).WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Notify(context.Background(), "t1", "budget.committed", "exec-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_NotifySkipsSubscriptionNotSubscribedToEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db, store.DialectSQLite)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, tenant_id, url, events, created_at FROM webhook_subscriptions WHERE tenant_id = \?`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "url", "events", "created_at"}).
			AddRow("sub-1", "t1", "https://example.com/hook", "budget.released", now))

	require.NoError(t, s.Notify(context.Background(), "t1", "budget.committed", "exec-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecodeEvents_EmptyStringYieldsNil(t *testing.T) {
	assert.Nil(t, decodeEvents(""))
}
