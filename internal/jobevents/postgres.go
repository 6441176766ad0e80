package jobevents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	sqlNotify          = `select pg_notify($1, $2)`
	defaultReconnectIn = 2 * time.Second
)

var ErrEmptyChannel = errors.New("notification channel is required")

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// NotificationConn is the part of *pgx.Conn used by the listener.
type NotificationConn interface {
	Execer
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// ListenStatement builds a LISTEN statement with a quoted channel name.
func ListenStatement(channel string) (string, error) {
	if channel == "" {
		return "", ErrEmptyChannel
	}
	return "listen " + pgx.Identifier{channel}.Sanitize(), nil
}

// PostgresPublisher emits events with pg_notify. Publishing inside the
// job owner's transaction delivers the event only when that
// transaction commits.
type PostgresPublisher struct {
	execer  Execer
	channel string
}

func NewPostgresPublisher(execer Execer, channel string) *PostgresPublisher {
	return &PostgresPublisher{execer: execer, channel: channel}
}

func (publisher *PostgresPublisher) Publish(ctx context.Context, event AttemptEvent) error {
	if publisher.channel == "" {
		return ErrEmptyChannel
	}
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	if _, err := publisher.execer.Exec(ctx, sqlNotify, publisher.channel, string(payload)); err != nil {
		return fmt.Errorf("notify attempt event: %w", err)
	}
	return nil
}

// PostgresSource listens on a notification channel. Notifications are not
// redelivered, so a payload whose dispatch fails is left to the sweeper.
type PostgresSource struct {
	pool        *pgxpool.Pool
	channel     string
	dispatcher  *Dispatcher
	logger      *zap.Logger
	reconnectIn time.Duration
}

func NewPostgresSource(pool *pgxpool.Pool, channel string, dispatcher *Dispatcher, logger *zap.Logger) *PostgresSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSource{
		pool:        pool,
		channel:     channel,
		dispatcher:  dispatcher,
		logger:      logger,
		reconnectIn: defaultReconnectIn,
	}
}

// Run holds a dedicated connection for LISTEN and reconnects after
// connection failures until ctx is cancelled.
func (source *PostgresSource) Run(ctx context.Context) error {
	for {
		err := source.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrEmptyChannel) {
			return err
		}
		source.logger.Error("attempt listener disconnected", zap.String("channel", source.channel), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(source.reconnectIn):
		}
	}
}

func (source *PostgresSource) listenOnce(ctx context.Context) error {
	connection, err := source.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	// LISTEN state is per session; the connection is not returned to the pool.
	conn := connection.Hijack()
	defer conn.Close(context.Background())
	return Consume(ctx, conn, source.channel, source.dispatcher, source.logger)
}

// Consume subscribes conn to channel and dispatches every notification
// until ctx ends or the connection fails.
func Consume(ctx context.Context, conn NotificationConn, channel string, dispatcher *Dispatcher, logger *zap.Logger) error {
	statement, err := ListenStatement(channel)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, statement); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	logger.Info("listening for attempt events", zap.String("channel", channel))
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if notification.Channel != channel {
			continue
		}
		if err := dispatcher.Dispatch(ctx, []byte(notification.Payload)); err != nil {
			logger.Error("attempt event not applied", zap.String("channel", channel), zap.Error(err))
		}
	}
}
