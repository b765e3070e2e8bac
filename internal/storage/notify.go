package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kyosei-dev/junban/internal/model"
)

// ChannelActiveSet is the Postgres LISTEN/NOTIFY channel on which the
// item-lifecycle module announces active-set changes. The payload is
// the scope wire form "entity_id/item_type".
const ChannelActiveSet = "junban_active_set"

// Listen starts listening on the specified channel using the dedicated
// notify connection. Returns an error if no notify connection is
// configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any
// listened channel. Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// NotifyActiveSetChanged announces an active-set change for the scope.
// Intended for the item-lifecycle module (or tests) running in the same
// database.
func (db *DB) NotifyActiveSetChanged(ctx context.Context, scope model.Scope) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelActiveSet, scope.String())
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", ChannelActiveSet, err)
	}
	return nil
}
