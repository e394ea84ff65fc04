package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"tenantry.org/internal/invalidate"
	"tenantry.org/internal/obs"
)

// Publisher receives invalidation events decoded from notifications.
type Publisher interface {
	Publish(invalidate.Event)
}

// Listener relays NOTIFY payloads from Postgres onto a Publisher. After
// every reconnect it publishes a wildcard event, since notifications sent
// while disconnected are lost.
type Listener struct {
	dsn        string
	channel    string
	pub        Publisher
	log        *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewListener(dsn, channel string, pub Publisher) *Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Listener{
		dsn:        dsn,
		channel:    channel,
		pub:        pub,
		log:        obs.Logger().Named("pg.listener"),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run blocks until ctx ends.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	first := true
	for {
		err := l.session(ctx, !first)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		first = false
		l.log.Warn("listener disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Listener) session(ctx context.Context, flush bool) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	l.log.Info("listening", zap.String("channel", l.channel))
	if flush {
		l.pub.Publish(invalidate.Event{Source: notifySource})
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handle(n.Payload)
	}
}

func (l *Listener) handle(payload string) {
	evt, err := invalidate.Decode(payload)
	if err != nil {
		l.log.Warn("dropping notification", zap.Error(err))
		return
	}
	l.pub.Publish(evt)
}
