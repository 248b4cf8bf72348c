package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPermanent = errors.New("permanent")

var claimColumns = []string{"claimed", "status"}

func newMockInbox(t *testing.T) (*Inbox, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	cfg := DefaultInboxConfig()
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, errPermanent) }
	inbox := NewInbox(mock, cfg, nil)
	inbox.now = func() time.Time { return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC) }
	return inbox, mock
}

func TestProcessRunsHandlerOnce(t *testing.T) {
	inbox, mock := newMockInbox(t)
	key := Key("notifier", "event-1")
	now := inbox.now()

	mock.ExpectQuery("WITH claimed AS").
		WithArgs(key, "notifier", now.Add(7*24*time.Hour), now.Add(-5*time.Minute)).
		WillReturnRows(pgxmock.NewRows(claimColumns).AddRow(true, StatusStarted))
	mock.ExpectExec("UPDATE inbox").
		WithArgs(StatusFinished, "", key).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	calls := 0
	outcome, err := inbox.Process(context.Background(), key, "notifier", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessSkipsFinishedDuplicate(t *testing.T) {
	inbox, mock := newMockInbox(t)

	mock.ExpectQuery("WITH claimed AS").
		WillReturnRows(pgxmock.NewRows(claimColumns).AddRow(false, StatusFinished))

	outcome, err := inbox.Process(context.Background(), Key("notifier", "event-1"), "notifier", func(ctx context.Context) error {
		t.Fatal("handler must not run for a duplicate")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessInProgressAndFailed(t *testing.T) {
	tests := []struct {
		status Status
		want   error
	}{
		{StatusStarted, ErrMessageInProgress},
		{StatusFailed, ErrPreviouslyFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			inbox, mock := newMockInbox(t)
			mock.ExpectQuery("WITH claimed AS").
				WillReturnRows(pgxmock.NewRows(claimColumns).AddRow(false, tt.status))

			_, err := inbox.Process(context.Background(), "k", "notifier", func(ctx context.Context) error { return nil })
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProcessMarksHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status Status
	}{
		{"retryable", errors.New("smtp timeout"), StatusRecoverable},
		{"terminal", errPermanent, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inbox, mock := newMockInbox(t)
			mock.ExpectQuery("WITH claimed AS").
				WillReturnRows(pgxmock.NewRows(claimColumns).AddRow(true, StatusStarted))
			mock.ExpectExec("UPDATE inbox").
				WithArgs(tt.status, tt.err.Error(), "k").
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))

			_, err := inbox.Process(context.Background(), "k", "notifier", func(ctx context.Context) error { return tt.err })
			assert.ErrorIs(t, err, tt.err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCleanupDeletesExpired(t *testing.T) {
	inbox, mock := newMockInbox(t)
	mock.ExpectExec("DELETE FROM inbox").
		WithArgs(inbox.now()).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := inbox.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, Key("a", "b"), Key("a", "b"))
	assert.NotEqual(t, Key("a", "b"), Key("b", "a"))
	assert.Len(t, Key("x"), 64)
}
