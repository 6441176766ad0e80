package jobevents

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/storycredits/internal/ledgertest"
	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errConnectionClosed = errors.New("conn closed")

type recordingExecer struct {
	statements []string
	arguments  [][]any
}

func (execer *recordingExecer) Exec(_ context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	execer.statements = append(execer.statements, sql)
	execer.arguments = append(execer.arguments, arguments)
	return pgconn.NewCommandTag("SELECT 1"), nil
}

// scriptedConn replays notifications and then reports a closed connection.
type scriptedConn struct {
	recordingExecer
	notifications []*pgconn.Notification
}

func (conn *scriptedConn) WaitForNotification(context.Context) (*pgconn.Notification, error) {
	if len(conn.notifications) == 0 {
		return nil, errConnectionClosed
	}
	next := conn.notifications[0]
	conn.notifications = conn.notifications[1:]
	return next, nil
}

func TestListenStatementQuotesChannel(test *testing.T) {
	test.Parallel()
	statement, err := ListenStatement("generation_attempts")
	require.NoError(test, err)
	require.Equal(test, `listen "generation_attempts"`, statement)

	statement, err = ListenStatement(`evil"; drop table x; --`)
	require.NoError(test, err)
	require.Equal(test, `listen "evil""; drop table x; --"`, statement)

	_, err = ListenStatement("")
	require.ErrorIs(test, err, ErrEmptyChannel)
}

func TestPostgresPublisherNotifies(test *testing.T) {
	test.Parallel()
	execer := &recordingExecer{}
	publisher := NewPostgresPublisher(execer, "generation_attempts")
	require.NoError(test, publisher.Publish(context.Background(), AttemptEvent{RequestID: "r", UserID: "u", Status: "failed"}))
	require.Equal(test, []string{sqlNotify}, execer.statements)
	require.Equal(test, "generation_attempts", execer.arguments[0][0])

	decoded, err := DecodeEvent([]byte(execer.arguments[0][1].(string)))
	require.NoError(test, err)
	require.Equal(test, "r", decoded.RequestID)

	err = NewPostgresPublisher(execer, "").Publish(context.Background(), AttemptEvent{RequestID: "r", UserID: "u", Status: "failed"})
	require.ErrorIs(test, err, ErrEmptyChannel)
}

func TestConsumeDispatchesNotifications(test *testing.T) {
	test.Parallel()
	fixture := ledgertest.New(test)
	userID := fixture.Seed(test, "user-pg", 0)
	reserveForEvents(test, fixture, "user-pg", "req-pg", 8)

	failed, err := AttemptEvent{RequestID: "req-pg", UserID: "user-pg", Status: "failed"}.Encode()
	require.NoError(test, err)
	conn := &scriptedConn{notifications: []*pgconn.Notification{
		{Channel: "other", Payload: string(failed)},
		{Channel: "generation_attempts", Payload: "garbage"},
		{Channel: "generation_attempts", Payload: string(failed)},
	}}

	err = Consume(context.Background(), conn, "generation_attempts", NewDispatcher(fixture.Service, nil), zap.NewNop())
	require.ErrorIs(test, err, errConnectionClosed)
	require.Equal(test, []string{`listen "generation_attempts"`}, conn.statements)

	balance, err := fixture.Service.Balance(context.Background(), userID)
	require.NoError(test, err)
	require.Equal(test, ledger.Credits(30), balance.Available())
}
