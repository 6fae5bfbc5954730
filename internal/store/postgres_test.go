package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pwei1018/bcros-common-sub000/internal/notify"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewFromDB(db), mock
}

func TestCreateWithIdempotencyKey(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO notification ").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery("INSERT INTO notification_content").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec("INSERT INTO ingress_key").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n := &notify.Notification{
		Recipients: []string{"alice@example.com"},
		RequestBy:  "BUSINESS",
		Type:       notify.TypeEmail,
		Content:    notify.Content{Subject: "hi", Body: "hello"},
	}
	key := &IngressKey{Key: "k-1", PayloadHash: "abc"}

	require.NoError(t, p.Create(context.Background(), n, key))
	assert.Equal(t, int64(7), n.ID)
	assert.Equal(t, notify.StatusPending, n.Status)
	assert.False(t, n.RequestDate.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicateKey(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO notification ").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery("INSERT INTO notification_content").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec("INSERT INTO ingress_key").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	n := &notify.Notification{
		Recipients: []string{"alice@example.com"},
		Type:       notify.TypeEmail,
		Content:    notify.Content{Subject: "hi", Body: "hello"},
	}
	err := p.Create(context.Background(), n, &IngressKey{Key: "k-1", PayloadHash: "abc"})
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimForDispatch(t *testing.T) {
	t.Run("wins the claim", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectExec("UPDATE notification").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := p.ClaimForDispatch(context.Background(), 7, "worker-1", 5*time.Minute)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("loses to a live lease", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectExec("UPDATE notification").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := p.ClaimForDispatch(context.Background(), 7, "worker-2", 5*time.Minute)
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
	})

	t.Run("unknown notification", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectExec("UPDATE notification").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := p.ClaimForDispatch(context.Background(), 99, "worker-1", 5*time.Minute)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateStatusTerminal(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status_code FROM notification").
		WillReturnRows(sqlmock.NewRows([]string{"status_code"}).AddRow("FORWARDED"))
	mock.ExpectExec("UPDATE notification").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO notification_history").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry := notify.HistoryEntry{
		SentDate:     time.Now().UTC(),
		StatusCode:   notify.HistoryDelivered,
		ProviderCode: notify.ProviderGCNotifyEmail,
	}
	err := p.UpdateStatus(context.Background(), 7, notify.StatusDelivered, entry)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusReadmission(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status_code FROM notification").
		WillReturnRows(sqlmock.NewRows([]string{"status_code"}).AddRow("FORWARDED"))
	// Re-admission counts the attempt and refreshes last_event_at so the
	// sweeper does not re-enqueue the row during its backoff.
	mock.ExpectExec(`attempt = attempt \+ 1, last_event_at = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO notification_history").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry := notify.HistoryEntry{
		SentDate:     time.Now().UTC(),
		StatusCode:   notify.HistoryFailure,
		ProviderCode: notify.ProviderGCNotifyEmail,
		Message:      "GC_NOTIFY_UNAVAILABLE: gc notify returned status 503",
	}
	err := p.UpdateStatus(context.Background(), 7, notify.StatusPending, entry)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusInvalidTransition(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status_code FROM notification").
		WillReturnRows(sqlmock.NewRows([]string{"status_code"}).AddRow("DELIVERED"))
	mock.ExpectRollback()

	entry := notify.HistoryEntry{StatusCode: notify.HistoryFailure, ProviderCode: notify.ProviderSMTP}
	err := p.UpdateStatus(context.Background(), 7, notify.StatusPending, entry)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusNotFound(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status_code FROM notification").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := p.UpdateStatus(context.Background(), 99, notify.StatusDelivered, notify.HistoryEntry{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeue(t *testing.T) {
	t.Run("resets the row", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectExec("UPDATE notification").
			WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, p.Requeue(context.Background(), 7))
	})

	t.Run("unknown notification", func(t *testing.T) {
		p, mock := newMockStore(t)
		mock.ExpectExec("UPDATE notification").
			WillReturnResult(sqlmock.NewResult(0, 0))
		assert.ErrorIs(t, p.Requeue(context.Background(), 99), ErrNotFound)
	})
}

func TestSweepExpiredLeases(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE notification").
		WillReturnRows(sqlmock.NewRows([]string{"id", "attempt"}).
			AddRow(int64(7), 1).
			AddRow(int64(9), 0))

	stale, err := p.SweepExpiredLeases(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []StalePending{{ID: 7, Attempt: 1}, {ID: 9, Attempt: 0}}, stale)
}

func TestFindStalePendingFiltersOnLastEvent(t *testing.T) {
	p, mock := newMockStore(t)

	// The stale scan must key on last_event_at, not request_date: an old
	// notification re-admitted to PENDING after a transient failure is not
	// an orphan while its retry backoff runs.
	mock.ExpectQuery(`status_code = \$1 AND last_event_at < \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attempt"}).
			AddRow(int64(7), 2))

	stale, err := p.FindStalePending(context.Background(), time.Now().Add(-2*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, []StalePending{{ID: 7, Attempt: 2}}, stale)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, recipients").
		WillReturnError(sql.ErrNoRows)

	_, err := p.Get(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetIngressKey(t *testing.T) {
	p, mock := newMockStore(t)

	created := time.Now().UTC()
	mock.ExpectQuery("SELECT key, payload_hash, notification_id, created_at").
		WillReturnRows(sqlmock.NewRows([]string{"key", "payload_hash", "notification_id", "created_at"}).
			AddRow("k-1", "abc", int64(7), created))

	k, err := p.GetIngressKey(context.Background(), "k-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), k.NotificationID)
	assert.Equal(t, "abc", k.PayloadHash)
}
